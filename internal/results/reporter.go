package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/chainbench/chainbench/internal/config"
)

// Reporter delivers records to a results sink. Reporter failures are the
// caller's problem to log; they never stop a run.
type Reporter interface {
	Report(rec Record) error
}

// LogReporter writes every record to the run log.
type LogReporter struct{}

func (LogReporter) Report(rec Record) error {
	klog.Infof("result: %s %s=%g %s", rec.CommitID[:min(8, len(rec.CommitID))],
		rec.Benchmark, rec.Value, rec.Units)
	return nil
}

// CodespeedReporter POSTs records to the results store.
type CodespeedReporter struct {
	cfg    config.Codespeed
	client *http.Client
}

// NewCodespeedReporter builds a reporter for the configured store.
func NewCodespeedReporter(cfg config.Codespeed) *CodespeedReporter {
	return &CodespeedReporter{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *CodespeedReporter) Report(rec Record) error {
	rec.Environment = c.cfg.Envname
	body := rec.Encode().Encode()
	req, err := http.NewRequest(http.MethodPost,
		strings.TrimRight(c.cfg.URL, "/")+"/result/add/", strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("unable to reach results store: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("results store rejected %s: status %d", rec.Benchmark, resp.StatusCode)
	}
	return nil
}

// SlackNotifier posts human-readable run summaries to a webhook. A nil
// notifier or an empty URL disables notification.
type SlackNotifier struct {
	WebhookURL string
	Client     *http.Client
}

// NewSlackNotifier builds a notifier; the zero URL value is a no-op sink.
func NewSlackNotifier(cfg config.Slack) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: cfg.WebhookURL,
		Client:     &http.Client{Timeout: 30 * time.Second},
	}
}

type slackAttachment struct {
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Color  string       `json:"color"`
	Fields []slackField `json:"fields,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Notify sends one attachment. Failures are logged and swallowed so the
// notification path can never take down a run.
func (s *SlackNotifier) Notify(title, text string, fields map[string]string, success bool) {
	if s == nil || s.WebhookURL == "" {
		return
	}
	hostname, _ := os.Hostname()
	att := slackAttachment{
		Title: title,
		Text:  text,
		Color: "good",
		Fields: []slackField{
			{Title: "Host", Value: hostname, Short: true},
		},
	}
	if !success {
		att.Color = "danger"
	}
	for k, v := range fields {
		att.Fields = append(att.Fields, slackField{Title: k, Value: v, Short: true})
	}
	payload, err := json.Marshal(map[string]interface{}{
		"attachments": []slackAttachment{att},
	})
	if err != nil {
		klog.Warningf("unable to encode notification: %v", err)
		return
	}
	resp, err := s.Client.Post(s.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		klog.Warningf("unable to deliver notification: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		klog.Warningf("notification webhook returned status %d", resp.StatusCode)
	}
}
