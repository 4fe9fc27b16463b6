package depositclient

import (
	"bytes"
	"encoding/json"

	"github.com/onemorebsmith/deposit-ingest/src/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	MessagePing       = "ping"
	MessagePong       = "pong"
	MessageNewDeposit = "newDeposit"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrInvalidDeposit   = errors.New("invalid deposit payload")
)

// Envelope is the single message shape on the wire, one per text frame
type Envelope struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

var pongFrame, _ = json.Marshal(Envelope{Name: MessagePong})

func DecodeEnvelope(raw []byte) (Envelope, error) {
	env := Envelope{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	if env.Name == "" {
		return env, errors.Wrap(ErrMalformedMessage, "missing message name")
	}
	return env, nil
}

type depositPayload struct {
	ID             string           `json:"id"`
	MammothID      json.RawMessage  `json:"mammothId"`
	MammothLogin   string           `json:"mammothLogin"`
	MammothCountry string           `json:"mammothCountry"`
	MammothPromo   *string          `json:"mammothPromo"`
	Token          string           `json:"token"`
	Amount         *decimal.Decimal `json:"amount"`
	AmountUsd      *decimal.Decimal `json:"amountUsd"`
	WorkerPercent  *decimal.Decimal `json:"workerPercent"`
	Domain         string           `json:"domain"`
	TxHash         *string          `json:"txHash"`
}

// DecodeDeposit validates the data of a newDeposit message
func DecodeDeposit(data json.RawMessage) (model.InboundDepositEvent, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return model.InboundDepositEvent{}, errors.Wrap(ErrInvalidDeposit, "missing data")
	}
	p := depositPayload{}
	if err := json.Unmarshal(data, &p); err != nil {
		return model.InboundDepositEvent{}, errors.Wrap(ErrInvalidDeposit, err.Error())
	}
	switch {
	case p.ID == "":
		return model.InboundDepositEvent{}, errors.Wrap(ErrInvalidDeposit, "missing id")
	case p.Token == "":
		return model.InboundDepositEvent{}, errors.Wrapf(ErrInvalidDeposit, "deposit %s: missing token", p.ID)
	case p.Amount == nil || p.Amount.IsNegative():
		return model.InboundDepositEvent{}, errors.Wrapf(ErrInvalidDeposit, "deposit %s: missing or negative amount", p.ID)
	case p.AmountUsd == nil || p.AmountUsd.IsNegative():
		return model.InboundDepositEvent{}, errors.Wrapf(ErrInvalidDeposit, "deposit %s: missing or negative amountUsd", p.ID)
	}

	event := model.InboundDepositEvent{
		ID:             p.ID,
		MammothID:      flexString(p.MammothID),
		MammothLogin:   p.MammothLogin,
		MammothCountry: p.MammothCountry,
		MammothPromo:   p.MammothPromo,
		Token:          p.Token,
		Amount:         *p.Amount,
		AmountUsd:      *p.AmountUsd,
		Domain:         p.Domain,
		TxHash:         p.TxHash,
	}
	if p.WorkerPercent != nil {
		event.WorkerPercent = *p.WorkerPercent
	}
	return event, nil
}

// flexString accepts ids sent either as JSON strings or numbers
func flexString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	s := ""
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
