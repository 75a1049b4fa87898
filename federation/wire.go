package federation

import (
	"encoding/json"
	"time"

	"github.com/vault713/grinbox/address"
	"github.com/vault713/grinbox/mailbox"
)

// envelope is the JSON body carried in an AMQP message body, mirroring the PostSlate fields a
// session actor would otherwise deliver directly to a local mailbox.
type envelope struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Str        string    `json:"str"`
	Signature  string    `json:"signature"`
	Challenge  string    `json:"challenge"`
	ReceivedAt time.Time `json:"received_at"`
}

func encodeMessage(msg mailbox.Message) ([]byte, error) {
	return json.Marshal(envelope{
		From:       msg.From.String(),
		To:         msg.To.String(),
		Str:        msg.Str,
		Signature:  msg.Signature,
		Challenge:  msg.Challenge,
		ReceivedAt: msg.ReceivedAt,
	})
}

func decodeMessage(data []byte, net address.Network) (mailbox.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return mailbox.Message{}, err
	}

	from, err := address.Parse(env.From, net)
	if err != nil {
		return mailbox.Message{}, err
	}

	to, err := address.Parse(env.To, net)
	if err != nil {
		return mailbox.Message{}, err
	}

	return mailbox.Message{
		From:       from,
		To:         to,
		Str:        env.Str,
		Signature:  env.Signature,
		Challenge:  env.Challenge,
		ReceivedAt: env.ReceivedAt,
	}, nil
}
