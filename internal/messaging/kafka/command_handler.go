package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
)

const commandOperation = "kafka.CreateOrder"

// OrderCreator — сценарий создания заказа.
type OrderCreator interface {
	CreateOrder(ctx context.Context, customerID string, lines []domain.LineRequest) (domain.Order, error)
}

// CommandResult — сохраняемый результат успешно обработанной команды.
type CommandResult struct {
	OrderID string `json:"order_id"`
}

// CommandHandler исполняет команды из checkout.order.commands.
//
// Ошибки клиента (нет клиента, товара, остатка, некорректная команда) окончательны:
// в outbox ставится order.rejected, сообщение считается обработанным.
// Инфраструктурные ошибки возвращаются consumer для повтора и DLQ.
type CommandHandler struct {
	creator OrderCreator
	guard   *idempotency.Guard
	outbox  domain.OutboxRepository
	logger  *log.Entry
	now     func() time.Time
}

// NewCommandHandler создаёт обработчик. guard и outbox могут быть nil.
func NewCommandHandler(creator OrderCreator, guard *idempotency.Guard, outbox domain.OutboxRepository) *CommandHandler {
	return &CommandHandler{
		creator: creator,
		guard:   guard,
		outbox:  outbox,
		logger:  log.WithField("component", "order-command-handler"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle соответствует MessageHandler.
func (h *CommandHandler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	cmd, err := ParseOrderCommand(message)
	if err != nil {
		return err
	}

	logger := h.logger.WithFields(log.Fields{
		"command_id":  cmd.CommandID,
		"customer_id": cmd.CustomerID,
	})

	hash, err := idempotency.HashRequest(commandOperation, cmd.withoutMeta())
	if err != nil {
		return Permanent(err)
	}

	outcome, err := h.guard.Execute(ctx, cmd.CommandID, hash, classifyCommandError, func(ctx context.Context) ([]byte, error) {
		return h.execute(ctx, logger, cmd)
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		logger.WithError(err).Warn("command id reused with different payload")
		return Permanent(err)
	case errors.Is(err, domain.ErrIdempotencyInProgress):
		return err
	case domain.IsUserError(err):
		return nil
	default:
		return err
	}

	if outcome.Replayed {
		logger.Info("duplicate order command skipped")
	}
	return nil
}

func (h *CommandHandler) execute(ctx context.Context, logger *log.Entry, cmd OrderCommand) ([]byte, error) {
	order, err := h.creator.CreateOrder(ctx, cmd.CustomerID, cmd.Lines())
	if err == nil {
		logger.WithField("order_id", order.ID).Info("order created from command")
		return json.Marshal(CommandResult{OrderID: order.ID})
	}
	if !domain.IsUserError(err) {
		return nil, err
	}

	logger.WithError(err).WithField("reason", domain.RejectReason(err)).Warn("order command rejected")
	if enqueueErr := h.enqueueRejected(ctx, cmd, err); enqueueErr != nil {
		return nil, enqueueErr
	}
	return nil, err
}

func (h *CommandHandler) enqueueRejected(ctx context.Context, cmd OrderCommand, cause error) error {
	if h.outbox == nil {
		return nil
	}

	payload, err := json.Marshal(domain.OrderRejectedEvent{
		CommandID:  cmd.CommandID,
		CustomerID: cmd.CustomerID,
		Reason:     domain.RejectReason(cause),
		Message:    cause.Error(),
		RejectedAt: h.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal order.rejected: %w", err)
	}

	aggregateID := cmd.CommandID
	if aggregateID == "" {
		aggregateID = cmd.CustomerID
	}
	if _, err := h.outbox.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   aggregateID,
		EventType:     domain.EventTypeOrderRejected,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("enqueue order.rejected: %w", err)
	}
	return nil
}

func classifyCommandError(err error) (idempotency.Failure, bool) {
	if !domain.IsUserError(err) {
		return idempotency.Failure{}, false
	}
	return idempotency.Failure{Message: domain.RejectReason(err) + ": " + err.Error()}, true
}

// withoutMeta убирает из команды поля, не влияющие на результат.
func (c OrderCommand) withoutMeta() OrderCommand {
	c.IssuedAt = time.Time{}
	return c
}
