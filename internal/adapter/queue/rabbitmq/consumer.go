package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const eventsQueue = "scheduler.events"

type nodeStatusMessage struct {
	NodeID int               `json:"node_id"`
	Status domain.NodeStatus `json:"status"`
}

// ConsumeEvents binds the scheduler queue to node status and task result
// events and feeds them to the core until ctx is done
func (q *queueService) ConsumeEvents(ctx context.Context, nodes port.NodeStatusHandler, tasks port.TaskReporter) error {
	// 1. Declare Queue ensure it exists
	_, err := q.ch.QueueDeclare(
		eventsQueue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return err
	}
	for _, key := range []string{RoutingNodeStatus, RoutingTaskResult} {
		if err := q.ch.QueueBind(eventsQueue, key, EventsExchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	msgs, err := q.ch.ConsumeWithContext(
		ctx,
		eventsQueue, // queue
		"",          // consumer
		false,       // auto-ack (ack after the core accepted the event)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return err
	}

	q.log.Info("Started consuming cluster events", zap.String("queue", eventsQueue))

	go func() {
		for d := range msgs {
			err := routeEvent(ctx, d.RoutingKey, d.Body, nodes, tasks)
			switch {
			case err == nil:
				d.Ack(false)
			case isMalformed(err):
				q.log.Error("Discarding malformed event", zap.String("key", d.RoutingKey), zap.Error(err))
				d.Nack(false, false)
			default:
				// rejected by the core, e.g. a stale completion; retrying would not change the outcome
				q.log.Warn("Event rejected", zap.String("key", d.RoutingKey), zap.Error(err))
				d.Ack(false)
			}
		}
		q.log.Info("Event consumer stopped")
	}()

	return nil
}

type malformedError struct{ reason string }

func (e *malformedError) Error() string { return "malformed event: " + e.reason }

func isMalformed(err error) bool {
	var m *malformedError
	return errors.As(err, &m)
}

// routeEvent decodes one message by routing key and hands it to the core.
//
//	node.status: {"node_id": 3, "status": "FAILED"}
//	task.result: {"task_id": 7, "node_id": 3, "outcome": "completed"|"failed"}
func routeEvent(ctx context.Context, key string, body []byte, nodes port.NodeStatusHandler, tasks port.TaskReporter) error {
	if !gjson.ValidBytes(body) {
		return &malformedError{reason: "invalid json"}
	}
	switch key {
	case RoutingNodeStatus:
		id := gjson.GetBytes(body, "node_id")
		raw := gjson.GetBytes(body, "status")
		if !id.Exists() || !raw.Exists() {
			return &malformedError{reason: "node_id and status are required"}
		}
		status, ok := domain.ParseNodeStatus(raw.String())
		if !ok {
			return &malformedError{reason: fmt.Sprintf("unknown node status %q", raw.String())}
		}
		return nodes.OnNodeStatusChanged(ctx, int(id.Int()), status)

	case RoutingTaskResult:
		id := gjson.GetBytes(body, "task_id")
		node := gjson.GetBytes(body, "node_id")
		if !id.Exists() || !node.Exists() {
			return &malformedError{reason: "task_id and node_id are required"}
		}
		switch outcome := gjson.GetBytes(body, "outcome").String(); outcome {
		case "completed":
			return tasks.CompleteTask(ctx, int(id.Int()), int(node.Int()))
		case "failed":
			return tasks.FailTask(ctx, int(id.Int()), int(node.Int()))
		default:
			return &malformedError{reason: fmt.Sprintf("unknown outcome %q", outcome)}
		}

	default:
		return &malformedError{reason: "unexpected routing key " + key}
	}
}
