package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/config"
	"ci-scheduler/pkg/constants"
)

// Type 通知类型
type Type string

const (
	TypePipelineSuccess  Type = "pipeline_success"
	TypePipelineFailed   Type = "pipeline_failed"
	TypePipelineCanceled Type = "pipeline_canceled"
	TypePipelineSkipped  Type = "pipeline_skipped"
)

// Event 流水线结束事件
type Event struct {
	Type          Type
	PipelineID    int64
	ProjectID     int64
	Ref           string
	SHA           string
	Source        string
	Status        string
	FailureReason string
	OccurredAt    time.Time
}

// PipelineEvent 由进入终态的流水线构造事件
func PipelineEvent(p *model.Pipeline, status string) *Event {
	typ := TypePipelineSkipped
	switch status {
	case constants.StatusSuccess:
		typ = TypePipelineSuccess
	case constants.StatusFailed:
		typ = TypePipelineFailed
	case constants.StatusCanceled:
		typ = TypePipelineCanceled
	}
	return &Event{
		Type:          typ,
		PipelineID:    p.ID,
		ProjectID:     p.ProjectID,
		Ref:           p.Ref,
		SHA:           p.SHA,
		Source:        p.Source,
		Status:        status,
		FailureReason: p.FailureReason,
		OccurredAt:    time.Now(),
	}
}

// Notifier 通知渠道
type Notifier interface {
	Notify(ctx context.Context, event *Event) error
}

// New 按配置选择通知器, 日志通知始终开启
func New(cfg config.NotificationConfig, logger *zap.Logger) Notifier {
	log := NewLogNotifier(logger)
	if !cfg.Enabled || cfg.Provider != "lark" || cfg.LarkWebhook == "" {
		return log
	}
	return Multi{log, NewLarkNotifier(cfg.LarkWebhook, logger)}
}

// Multi 依次发送到多个渠道, 单个渠道失败不影响其余渠道
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event *Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 仅记录日志
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event *Event) error {
	n.logger.Info("流水线通知",
		zap.String("type", string(event.Type)),
		zap.Int64("pipeline_id", event.PipelineID),
		zap.Int64("project_id", event.ProjectID),
		zap.String("ref", event.Ref),
		zap.String("status", event.Status),
		zap.String("failure_reason", event.FailureReason))
	return nil
}

// LarkNotifier 通过 Lark 机器人 webhook 发送卡片消息
type LarkNotifier struct {
	webhookURL string
	client     *http.Client
	logger     *zap.Logger
}

func NewLarkNotifier(webhookURL string, logger *zap.Logger) *LarkNotifier {
	return &LarkNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type larkText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type larkElement struct {
	Tag  string   `json:"tag"`
	Text larkText `json:"text"`
}

type larkCard struct {
	Header struct {
		Title    larkText `json:"title"`
		Template string   `json:"template"`
	} `json:"header"`
	Elements []larkElement `json:"elements"`
}

type larkMessage struct {
	MsgType string   `json:"msg_type"`
	Card    larkCard `json:"card"`
}

var larkStyles = map[Type]struct{ title, color string }{
	TypePipelineSuccess:  {"流水线成功", "green"},
	TypePipelineFailed:   {"流水线失败", "red"},
	TypePipelineCanceled: {"流水线已取消", "orange"},
	TypePipelineSkipped:  {"流水线已跳过", "grey"},
}

func buildLarkMessage(event *Event) larkMessage {
	style, ok := larkStyles[event.Type]
	if !ok {
		style = larkStyles[TypePipelineSkipped]
	}

	content := fmt.Sprintf("**流水线**: #%d\n**分支**: %s\n**提交**: %s\n**来源**: %s",
		event.PipelineID, event.Ref, shortSHA(event.SHA), event.Source)
	if event.FailureReason != "" {
		content += "\n**失败原因**: " + event.FailureReason
	}

	msg := larkMessage{MsgType: "interactive"}
	msg.Card.Header.Title = larkText{Tag: "plain_text", Content: style.title}
	msg.Card.Header.Template = style.color
	msg.Card.Elements = []larkElement{
		{Tag: "div", Text: larkText{Tag: "lark_md", Content: content}},
		{Tag: "div", Text: larkText{Tag: "plain_text", Content: "时间: " + event.OccurredAt.Format(time.DateTime)}},
	}
	return msg
}

func (n *LarkNotifier) Notify(ctx context.Context, event *Event) error {
	body, err := json.Marshal(buildLarkMessage(event))
	if err != nil {
		return fmt.Errorf("marshal lark message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build lark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send lark notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lark webhook returned status %d", resp.StatusCode)
	}
	n.logger.Debug("Lark通知发送成功", zap.String("type", string(event.Type)), zap.Int64("pipeline_id", event.PipelineID))
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
