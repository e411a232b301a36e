package mail

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"shopexpress/auth"
	"shopexpress/outbox"
	"shopexpress/parcel"
)

// Recipients resolves the customer a notification is addressed to.
type Recipients interface {
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

// DeliveryMarker records the outcome of one broadcast delivery.
type DeliveryMarker interface {
	MarkDelivery(ctx context.Context, deliveryID string, sent bool, errMsg string) error
}

// Handler delivers mail.* outbox messages.
type Handler struct {
	sender     Sender
	recipients Recipients
	deliveries DeliveryMarker
	logger     *zap.Logger
}

func NewHandler(sender Sender, recipients Recipients, deliveries DeliveryMarker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sender: sender, recipients: recipients, deliveries: deliveries, logger: logger}
}

type statusPayload struct {
	UserID         string `json:"user_id"`
	PackageID      string `json:"package_id"`
	GroupID        string `json:"consolidated_package_id"`
	TrackingNumber string `json:"tracking_number"`
	GroupTracking  string `json:"consolidated_tracking_number"`
	Description    string `json:"description"`
	OldStatus      string `json:"old_status"`
	NewStatus      string `json:"new_status"`
	PackageCount   int    `json:"package_count"`
}

type broadcastPayload struct {
	DeliveryID  string `json:"delivery_id"`
	BroadcastID string `json:"broadcast_id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Subject     string `json:"subject"`
	Content     string `json:"content"`
}

func (h *Handler) Handle(ctx context.Context, msg outbox.Message) error {
	switch msg.Topic {
	case outbox.TopicPackageStatus:
		return h.packageStatus(ctx, msg)
	case outbox.TopicConsolidatedStatus:
		return h.consolidatedStatus(ctx, msg)
	case outbox.TopicBroadcast:
		return h.broadcast(ctx, msg)
	default:
		return fmt.Errorf("%w %q", outbox.ErrNoHandler, msg.Topic)
	}
}

func (h *Handler) packageStatus(ctx context.Context, msg outbox.Message) error {
	var p statusPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	user, err := h.recipients.GetUserByID(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("mail: resolve recipient: %w", err)
	}
	subject := fmt.Sprintf("Package %s: %s", p.TrackingNumber, parcel.Status(p.NewStatus).Label())
	body, err := Render("package_status", StatusData{
		Subject:        subject,
		Name:           user.FullName(),
		TrackingNumber: p.TrackingNumber,
		Description:    p.Description,
		Status:         parcel.Status(p.NewStatus).Label(),
		PreviousStatus: parcel.Status(p.OldStatus).Label(),
	})
	if err != nil {
		return err
	}
	return h.sender.Send(ctx, Message{To: user.Email, Subject: subject, HTML: body})
}

func (h *Handler) consolidatedStatus(ctx context.Context, msg outbox.Message) error {
	var p statusPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	user, err := h.recipients.GetUserByID(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("mail: resolve recipient: %w", err)
	}
	subject := fmt.Sprintf("Consolidated package %s: %s", p.GroupTracking, parcel.Status(p.NewStatus).Label())
	body, err := Render("consolidated_status", StatusData{
		Subject:        subject,
		Name:           user.FullName(),
		TrackingNumber: p.GroupTracking,
		Status:         parcel.Status(p.NewStatus).Label(),
		PreviousStatus: parcel.Status(p.OldStatus).Label(),
		PackageCount:   p.PackageCount,
	})
	if err != nil {
		return err
	}
	return h.sender.Send(ctx, Message{To: user.Email, Subject: subject, HTML: body})
}

func (h *Handler) broadcast(ctx context.Context, msg outbox.Message) error {
	var p broadcastPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	body, err := Render("broadcast", NewBroadcastData(p.Subject, p.Name, p.Content))
	if err != nil {
		return err
	}
	sendErr := h.sender.Send(ctx, Message{To: p.Email, Subject: p.Subject, HTML: body})
	if h.deliveries != nil && p.DeliveryID != "" {
		errMsg := ""
		if sendErr != nil {
			errMsg = sendErr.Error()
		}
		if err := h.deliveries.MarkDelivery(ctx, p.DeliveryID, sendErr == nil, errMsg); err != nil {
			h.logger.Error("mark broadcast delivery", zap.String("delivery_id", p.DeliveryID), zap.Error(err))
		}
	}
	return sendErr
}
