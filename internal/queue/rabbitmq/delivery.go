package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rzbill/analysis-worker/internal/queue"
)

type delivery struct {
	msg     amqp.Delivery
	headers queue.Headers
}

func newDelivery(msg amqp.Delivery) *delivery {
	return &delivery{msg: msg, headers: fromTable(msg.Headers)}
}

func (d *delivery) Body() []byte           { return d.msg.Body }
func (d *delivery) Headers() queue.Headers { return d.headers }
func (d *delivery) Redelivered() bool      { return d.msg.Redelivered }
func (d *delivery) Ack() error             { return d.msg.Ack(false) }
func (d *delivery) Reject(requeue bool) error {
	return d.msg.Reject(requeue)
}

// fromTable converts an AMQP table, including nested tables inside arrays
// such as x-death, into queue.Headers.
func fromTable(t amqp.Table) queue.Headers {
	out := make(queue.Headers, len(t))
	for k, v := range t {
		out[k] = fromValue(v)
	}
	return out
}

func fromValue(v interface{}) interface{} {
	switch x := v.(type) {
	case amqp.Table:
		return map[string]interface{}(fromTable(x))
	case []interface{}:
		list := make([]interface{}, len(x))
		for i := range x {
			list[i] = fromValue(x[i])
		}
		return list
	default:
		return v
	}
}

// toTable converts headers for publishing. int values are narrowed to int32,
// which every AMQP peer understands.
func toTable(h queue.Headers) amqp.Table {
	if len(h) == 0 {
		return nil
	}
	out := make(amqp.Table, len(h))
	for k, v := range h {
		switch x := v.(type) {
		case int:
			out[k] = int32(x)
		case map[string]interface{}:
			out[k] = toTable(queue.Headers(x))
		case queue.Headers:
			out[k] = toTable(x)
		default:
			out[k] = v
		}
	}
	return out
}
