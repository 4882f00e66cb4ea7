package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ResultMessage is the fire-and-forget payload sent when a job reaches
// a terminal state.
type ResultMessage struct {
	JobID         string    `json:"job_id"`
	Name          string    `json:"name,omitempty"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	TerminalStage string    `json:"terminal_stage,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Notifier delivers result messages. Delivery failures are the
// caller's to log; they never affect the job's recorded result.
type Notifier interface {
	Notify(ctx context.Context, msg ResultMessage) error
}

// NopNotifier drops messages. Used when no sink is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, ResultMessage) error { return nil }

// HTTPNotifier posts messages to a webhook, behind a circuit breaker so
// a dead sink cannot slow down result recording.
type HTTPNotifier struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Entry
}

func NewHTTPNotifier(url string, log *logrus.Entry) *HTTPNotifier {
	return &HTTPNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notify",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
					Info("notification breaker state change")
			},
		}),
		log: log,
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, msg ResultMessage) error {
	_, err := n.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("notification sink: %s", resp.Status)
		}
		return nil, nil
	})
	return err
}
