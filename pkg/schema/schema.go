package schema

import (
	"encoding/json"
	"fmt"

	"github.com/kairos-io/firmware-updater/internal/constants"
	"github.com/kairos-io/firmware-updater/pkg/bank"
)

// Command is one of the requests understood by the state machine.
type Command interface {
	Name() string
}

type GetStatus struct{}

type Update struct {
	FromURL  string  `json:"from_url"`
	Username *string `json:"username"`
	Password *string `json:"password"`
}

type FormatOtherBank struct{}

type CopyConfig struct{}

type SetDesiredBank struct {
	Bank bank.Bank `json:"bank"`
}

func (GetStatus) Name() string       { return "GetStatus" }
func (Update) Name() string          { return "Update" }
func (FormatOtherBank) Name() string { return "FormatOtherBank" }
func (CopyConfig) Name() string      { return "CopyConfig" }
func (SetDesiredBank) Name() string  { return "SetDesiredBank" }

// DecodeCommand parses a request. Anything unknown or malformed is an ErrProtocol.
func DecodeCommand(data []byte) (Command, error) {
	var tag struct {
		Command *string `json:"command"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("%w: %s", constants.ErrProtocol, err)
	}
	if tag.Command == nil {
		return nil, fmt.Errorf("%w: missing \"command\" field", constants.ErrProtocol)
	}

	switch *tag.Command {
	// DetectBank is what older clients send
	case "GetStatus", "DetectBank":
		return GetStatus{}, nil
	case "FormatOtherBank":
		return FormatOtherBank{}, nil
	case "CopyConfig":
		return CopyConfig{}, nil
	case "Update":
		var c Update
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: %s", constants.ErrProtocol, err)
		}
		if c.FromURL == "" {
			return nil, fmt.Errorf("%w: Update requires from_url", constants.ErrProtocol)
		}
		return c, nil
	case "SetDesiredBank":
		var c SetDesiredBank
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: %s", constants.ErrProtocol, err)
		}
		if c.Bank == "" {
			return nil, fmt.Errorf("%w: SetDesiredBank requires bank", constants.ErrProtocol)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown command %q", constants.ErrProtocol, *tag.Command)
	}
}

type Status string

const (
	StatusOk     Status = "Ok"
	StatusError  Status = "Error"
	StatusStatus Status = "Status"
)

// Response is the reply to exactly one Command.
type Response struct {
	Status   Status
	Detail   string
	Banks    *bank.DetectedBankInfo
	Progress *int
}

func Ok(format string, args ...interface{}) Response {
	return Response{Status: StatusOk, Detail: fmt.Sprintf(format, args...)}
}

func Error(err error) Response {
	return Response{Status: StatusError, Detail: err.Error()}
}

func StatusReply(banks *bank.DetectedBankInfo, progress *int) Response {
	return Response{Status: StatusStatus, Banks: banks, Progress: progress}
}

// MarshalJSON writes {"status","banks","progress"} for status replies and
// {"status","detail"} for everything else. A status reply carries a detail only when it
// reports the failure of the update it just harvested.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Status == StatusStatus {
		return json.Marshal(struct {
			Status   Status                 `json:"status"`
			Banks    *bank.DetectedBankInfo `json:"banks"`
			Progress *int                   `json:"progress"`
			Detail   string                 `json:"detail,omitempty"`
		}{r.Status, r.Banks, r.Progress, r.Detail})
	}
	return json.Marshal(struct {
		Status Status `json:"status"`
		Detail string `json:"detail"`
	}{r.Status, r.Detail})
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var raw struct {
		Status   Status                 `json:"status"`
		Detail   string                 `json:"detail"`
		Banks    *bank.DetectedBankInfo `json:"banks"`
		Progress *int                   `json:"progress"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Response{Status: raw.Status, Detail: raw.Detail, Banks: raw.Banks, Progress: raw.Progress}
	return nil
}
