// Package wire defines the messages exchanged between the core and its
// observers over a websocket: a Hello/Identify handshake, request/response
// pairs for commands, and pushed events carrying notifications.
package wire

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// RPCVersion is the protocol revision spoken by this build.
const RPCVersion = 1

// OpCodes
const (
	OpHello           = 0
	OpIdentify        = 1
	OpIdentified      = 2
	OpEvent           = 5
	OpRequest         = 6
	OpRequestResponse = 7
)

// Request types
const (
	RequestStart             = "Start"
	RequestPause             = "Pause"
	RequestResume            = "Resume"
	RequestStop              = "Stop"
	RequestForceStop         = "ForceStop"
	RequestGetStatus         = "GetStatus"
	RequestGetOutputFilePath = "GetOutputFilePath"
)

// Codes for requests the core could not interpret. Command outcomes use the
// session error codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnknownRequest = "UNKNOWN_REQUEST"
)

// Close codes sent when the handshake is refused.
const (
	CloseAuthFailed     = 4009
	CloseUnsupportedRPC = 4010
)

// Message is the outer frame of every websocket message.
type Message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

// Hello is sent by the core right after the upgrade.
type Hello struct {
	Version        string `json:"recbridgeVersion"`
	RPCVersion     int    `json:"rpcVersion"`
	Epoch          string `json:"epoch"`
	Authentication *Auth  `json:"authentication,omitempty"`
}

// Auth carries the challenge when the core has a password set.
type Auth struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

// Identify answers Hello. Only subscribing connections receive events.
type Identify struct {
	RPCVersion     int    `json:"rpcVersion"`
	Authentication string `json:"authentication,omitempty"`
	Subscribe      bool   `json:"subscribe"`
}

// Identified completes the handshake.
type Identified struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

// Request is a command or query issued by an observer.
type Request struct {
	RequestType string          `json:"requestType"`
	RequestID   string          `json:"requestId"`
	RequestData json.RawMessage `json:"requestData,omitempty"`
}

// RequestStatus reports the outcome of a request. Code is one of the
// session error codes ("OK" on success).
type RequestStatus struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	Comment string `json:"comment,omitempty"`
}

// Response answers a Request with the same RequestID.
type Response struct {
	RequestType   string          `json:"requestType"`
	RequestID     string          `json:"requestId"`
	RequestStatus RequestStatus   `json:"requestStatus"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

// Event pushes a notification to a subscribed observer.
type Event struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData,omitempty"`
}

// StartData is the payload of a Start request.
type StartData struct {
	ElapsedBeforePauseMs int64 `json:"elapsedBeforePauseMs"`
}

// OutputFileData is the payload of a GetOutputFilePath response. OutputFile
// is null while no verified artifact exists.
type OutputFileData struct {
	OutputFile *string `json:"outputFile"`
}

// Encode wraps v in a Message with the given op code.
func Encode(op int, v interface{}) (Message, error) {
	d, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode op %d: %w", op, err)
	}
	return Message{Op: op, D: d}, nil
}

// Decode unmarshals the payload of m into v.
func Decode(m Message, v interface{}) error {
	if err := json.Unmarshal(m.D, v); err != nil {
		return fmt.Errorf("decode op %d: %w", m.Op, err)
	}
	return nil
}

// AuthResponse computes base64(sha256(base64(sha256(password+salt))+challenge)).
func AuthResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}
