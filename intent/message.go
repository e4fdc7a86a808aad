package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTypeRegister MessageType = "register"
	MessageTypeDelete   MessageType = "delete"
)

var (
	ErrInvalidMessageType = errors.New("invalid intent message type")
	ErrMessageExpired     = errors.New("intent message expired")
	ErrMessageNotValidYet = errors.New("intent message not valid yet")
)

type BaseMessage struct {
	Type MessageType `json:"type"`
}

// RegisterMessage is signed by the intent proof to join a batch.
// OnchainOutputIndexes are the proof outputs to be paid onchain, the others
// become vtxos.
type RegisterMessage struct {
	BaseMessage
	OnchainOutputIndexes []int    `json:"onchain_output_indexes"`
	ValidAt              int64    `json:"valid_at"`
	ExpireAt             int64    `json:"expire_at"`
	CosignersPublicKeys  []string `json:"cosigners_public_keys"`
}

func NewRegisterMessage(
	onchainOutputIndexes []int, cosigners []string, now time.Time, validity time.Duration,
) RegisterMessage {
	return RegisterMessage{
		BaseMessage:          BaseMessage{Type: MessageTypeRegister},
		OnchainOutputIndexes: onchainOutputIndexes,
		ValidAt:              now.Unix(),
		ExpireAt:             now.Add(validity).Unix(),
		CosignersPublicKeys:  cosigners,
	}
}

func (m RegisterMessage) Encode() (string, error) {
	buf, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (m *RegisterMessage) Decode(data string) error {
	if err := json.Unmarshal([]byte(data), m); err != nil {
		return err
	}
	if m.Type != MessageTypeRegister {
		return fmt.Errorf("%w: got %s, expected %s", ErrInvalidMessageType, m.Type, MessageTypeRegister)
	}
	return nil
}

// Validate checks the validity window. Zero bounds are open.
func (m RegisterMessage) Validate(now time.Time) error {
	if m.ValidAt > 0 && now.Unix() < m.ValidAt {
		return ErrMessageNotValidYet
	}
	if m.ExpireAt > 0 && now.Unix() > m.ExpireAt {
		return ErrMessageExpired
	}
	return nil
}

type DeleteMessage struct {
	BaseMessage
	ExpireAt int64 `json:"expire_at"`
}

func NewDeleteMessage(now time.Time, validity time.Duration) DeleteMessage {
	return DeleteMessage{
		BaseMessage: BaseMessage{Type: MessageTypeDelete},
		ExpireAt:    now.Add(validity).Unix(),
	}
}

func (m DeleteMessage) Encode() (string, error) {
	buf, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (m *DeleteMessage) Decode(data string) error {
	if err := json.Unmarshal([]byte(data), m); err != nil {
		return err
	}
	if m.Type != MessageTypeDelete {
		return fmt.Errorf("%w: got %s, expected %s", ErrInvalidMessageType, m.Type, MessageTypeDelete)
	}
	return nil
}

func (m DeleteMessage) Validate(now time.Time) error {
	if m.ExpireAt > 0 && now.Unix() > m.ExpireAt {
		return ErrMessageExpired
	}
	return nil
}
