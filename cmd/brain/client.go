package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// brainClient talks to a running 'brain serve' over its HTTP surface.
type brainClient struct {
	base string
	http *http.Client
}

func newBrainClient(base string) *brainClient {
	return &brainClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 45 * time.Second},
	}
}

// controlBody mirrors the server's control request.
type controlBody struct {
	Participant string `json:"participant"`
	Verdict     string `json:"verdict,omitempty"`
	Text        string `json:"text,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Delay       string `json:"delay,omitempty"`
}

type decisionBody struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

type huddleBody struct {
	ID       string    `json:"id"`
	From     string    `json:"from"`
	Question string    `json:"question"`
	AskedAt  time.Time `json:"asked_at"`
}

// liveEvent is an event as served by GET /events/{id}.
type liveEvent struct {
	models.Event
	Huddles []huddleBody `json:"huddles,omitempty"`
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("brain: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

func (c *brainClient) Event(ctx context.Context, id string) (*liveEvent, error) {
	var out liveEvent
	if err := c.do(ctx, http.MethodGet, "/events/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *brainClient) Reply(ctx context.Context, id, participant, verdict, text string) (string, error) {
	var out decisionBody
	err := c.do(ctx, http.MethodPost, "/events/"+url.PathEscape(id)+"/reply",
		controlBody{Participant: participant, Verdict: verdict, Text: text}, &out)
	return out.Decision, err
}

func (c *brainClient) Close(ctx context.Context, id, participant string) (string, error) {
	var out decisionBody
	err := c.do(ctx, http.MethodPost, "/events/"+url.PathEscape(id)+"/close",
		controlBody{Participant: participant}, &out)
	return out.Decision, err
}

func (c *brainClient) Acknowledge(ctx context.Context, id, participant string) error {
	return c.do(ctx, http.MethodPost, "/events/"+url.PathEscape(id)+"/ack",
		controlBody{Participant: participant}, nil)
}

func (c *brainClient) AnswerHuddle(ctx context.Context, id, huddleID, participant, text string) error {
	return c.do(ctx, http.MethodPost, "/events/"+url.PathEscape(id)+"/huddles/"+url.PathEscape(huddleID),
		controlBody{Participant: participant, Text: text}, nil)
}

func (c *brainClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach brain at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
