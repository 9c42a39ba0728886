package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"sensmed/internal/config"
	"sensmed/internal/models"
)

// Attachment colours by alert level
const (
	colorDanger  = "#FF0000"
	colorWarning = "#FFA500"
)

// SlackMessage is an incoming-webhook payload
type SlackMessage struct {
	Channel     string       `json:"channel,omitempty"`
	Text        string       `json:"text,omitempty"`
	Username    string       `json:"username,omitempty"`
	IconEmoji   string       `json:"icon_emoji,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a Slack message attachment
type Attachment struct {
	Fallback  string  `json:"fallback,omitempty"`
	Color     string  `json:"color,omitempty"`
	Title     string  `json:"title,omitempty"`
	Text      string  `json:"text,omitempty"`
	Fields    []Field `json:"fields,omitempty"`
	Footer    string  `json:"footer,omitempty"`
	Timestamp int64   `json:"ts,omitempty"`
}

// Field is a field of a Slack attachment
type Field struct {
	Title string `json:"title,omitempty"`
	Value string `json:"value,omitempty"`
	Short bool   `json:"short,omitempty"`
}

// Slack posts alerts to a Slack incoming webhook
type Slack struct {
	client     *resty.Client
	webhookURL string
	channel    string
}

// NewSlack creates a webhook notifier
func NewSlack(cfg config.SlackConfig) (*Slack, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.New("slack webhook URL cannot be empty")
	}

	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json")

	return &Slack{
		client:     client,
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
	}, nil
}

// Message renders the webhook payload for an alert
func (s *Slack) Message(alert *models.Alert, device *models.Device) SlackMessage {
	color := colorWarning
	if alert.Level == models.LevelDanger {
		color = colorDanger
	}

	fields := []Field{
		{Title: "Device", Value: device.ExternalID, Short: true},
		{Title: "Sensor", Value: string(alert.SensorType), Short: true},
		{Title: "Value", Value: strconv.FormatFloat(alert.Value, 'g', -1, 64), Short: true},
		{Title: "Threshold", Value: strconv.FormatFloat(alert.Threshold, 'g', -1, 64), Short: true},
	}
	if device.Patient != "" {
		fields = append(fields, Field{Title: "Patient", Value: device.Patient, Short: true})
	}
	if device.Room != "" {
		fields = append(fields, Field{Title: "Room", Value: device.Room, Short: true})
	}

	return SlackMessage{
		Channel:   s.channel,
		Username:  "SensMed Monitor",
		IconEmoji: ":hospital:",
		Attachments: []Attachment{{
			Fallback:  fmt.Sprintf("[%s] %s: %s", alert.Level, device.Name, alert.Message),
			Color:     color,
			Title:     fmt.Sprintf("%s alert on %s", alert.Level, device.Name),
			Text:      alert.Message,
			Fields:    fields,
			Footer:    "alert #" + strconv.FormatInt(alert.ID, 10),
			Timestamp: alert.CreatedAt.Unix(),
		}},
	}
}

// PublishAlert implements the alert engine's Notifier
func (s *Slack) PublishAlert(ctx context.Context, alert *models.Alert, device *models.Device) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(s.Message(alert, device)).
		Post(s.webhookURL)
	if err != nil {
		return fmt.Errorf("error sending request to slack: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("unexpected response status: %s", resp.Status())
	}
	return nil
}
