package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// TasksExchange carries assignments and migrations to executors
	TasksExchange = "tasks.direct"
	// EventsExchange carries node status and task results back to the scheduler
	EventsExchange = "cluster.events"

	RoutingMigrate    = "task.migrate"
	RoutingNodeStatus = "node.status"
	RoutingTaskResult = "task.result"
)

var _ port.QueueService = &queueService{}

type queueService struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

func NewQueueService(url string, log *zap.Logger) (*queueService, error) {
	var conn *amqp.Connection
	var err error

	// Retry connection up to 10 times with backoff
	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, err := conn.Channel()
			if err == nil {
				q := &queueService{
					conn: conn,
					ch:   ch,
					log:  log,
				}
				if err := q.declareTopology(); err != nil {
					conn.Close()
					return nil, err
				}
				return q, nil
			}
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		// Simple incremental backoff
		time.Sleep(time.Duration(i*2) * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func (q *queueService) declareTopology() error {
	if err := q.ch.ExchangeDeclare(TasksExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", TasksExchange, err)
	}
	if err := q.ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", EventsExchange, err)
	}
	return nil
}

// routingKey maps a task priority class onto its executor queue
func routingKey(p domain.Priority) string {
	switch p {
	case domain.PriorityCritical:
		return "task.critical"
	case domain.PriorityHigh:
		return "task.high"
	case domain.PriorityLow:
		return "task.low"
	default:
		return "task.normal"
	}
}

// Launch publishes a committed assignment for an executor to pick up
func (q *queueService) Launch(ctx context.Context, a domain.Assignment) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}

	key := routingKey(a.Task.Priority)
	err = q.ch.PublishWithContext(ctx,
		TasksExchange, // Exchange
		key,           // Routing key
		false,         // Mandatory
		false,         // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Priority:    uint8(a.Task.Priority), // RabbitMQ Priority
			Timestamp:   time.Now(),
		})
	if err != nil {
		q.log.Error("Failed to publish assignment", zap.Error(err))
		return fmt.Errorf("publish assignment of task %d: %w", a.Task.ID, err)
	}

	q.log.Info("Published assignment to RabbitMQ",
		zap.Int("task_id", a.Task.ID),
		zap.Int("node_id", a.NodeID),
		zap.String("key", key))
	return nil
}

// ExecuteMigrations publishes one message per move; the executor relocates the work
func (q *queueService) ExecuteMigrations(ctx context.Context, moves []domain.Migration) error {
	for _, m := range moves {
		body, err := json.Marshal(m)
		if err != nil {
			return err
		}
		err = q.ch.PublishWithContext(ctx, TasksExchange, RoutingMigrate, false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		})
		if err != nil {
			return fmt.Errorf("publish migration of task %d: %w", m.TaskID, err)
		}
		q.log.Info("Published migration",
			zap.Int("task_id", m.TaskID),
			zap.Int("from", m.From),
			zap.Int("to", m.To))
	}
	return nil
}

// PublishNodeStatus announces a node status change on the events exchange
func (q *queueService) PublishNodeStatus(ctx context.Context, nodeID int, status domain.NodeStatus) error {
	body, err := json.Marshal(nodeStatusMessage{NodeID: nodeID, Status: status})
	if err != nil {
		return err
	}
	return q.ch.PublishWithContext(ctx, EventsExchange, RoutingNodeStatus, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

// Close closes the channel and the connection
func (q *queueService) Close() error {
	if err := q.ch.Close(); err != nil {
		q.log.Warn("Failed to close channel", zap.Error(err))
	}
	return q.conn.Close()
}
