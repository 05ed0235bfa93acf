package cucumber

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"github.com/gorilla/websocket"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^I open a stream on path "([^"]*)"$`, s.iOpenAStreamOnPath)
		ctx.Step(`^I send the stream frame:$`, s.iSendTheStreamFrame)
		ctx.Step(`^I wait up to "([^"]*)" seconds for a "([^"]*)" stream frame$`, s.iWaitForAStreamFrame)
		ctx.Step(`^I close the stream$`, s.iCloseTheStream)

		ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
			for _, session := range s.sessions {
				if session.Stream != nil {
					_ = session.Stream.Close()
					session.Stream = nil
				}
			}
			return ctx, nil
		})
	})
}

// iOpenAStreamOnPath dials the WebSocket at path as the current user. The
// handshake response is recorded so status steps can inspect a refusal.
func (s *TestScenario) iOpenAStreamOnPath(path string) error {
	session := s.Session()
	fullURL, err := s.resolveURL(path)
	if err != nil {
		return err
	}
	wsURL := "ws" + strings.TrimPrefix(fullURL, "http")

	header := http.Header{}
	if session.TestUser != nil && session.TestUser.Subject != "" {
		header.Set("Authorization", "Bearer "+session.TestUser.Subject)
	}

	session.Resp = nil
	session.SetRespBytes(nil)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if resp != nil {
		session.Resp = resp
	}
	if err != nil {
		if resp != nil {
			// A refused upgrade is an ordinary HTTP answer.
			var body []byte
			if resp.Body != nil {
				body, _ = io.ReadAll(resp.Body)
				_ = resp.Body.Close()
			}
			session.SetRespBytes(body)
			return nil
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	frames := make(chan interface{}, 64)
	session.Stream = conn
	session.StreamFrames = frames
	go func() {
		defer close(frames)
		for {
			var frame interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	}()
	return nil
}

func (s *TestScenario) iSendTheStreamFrame(doc *godog.DocString) error {
	session := s.Session()
	if session.Stream == nil {
		return fmt.Errorf("no stream is open for user %q", s.CurrentUser)
	}
	expanded, err := s.Expand(doc.Content)
	if err != nil {
		return err
	}
	if !json.Valid([]byte(expanded)) {
		return fmt.Errorf("stream frame is not valid json:\n%s", expanded)
	}
	return session.Stream.WriteMessage(websocket.TextMessage, []byte(expanded))
}

// iWaitForAStreamFrame makes the next frame of the given type the current
// response, discarding frames of other types.
func (s *TestScenario) iWaitForAStreamFrame(timeout float64, frameType string) error {
	session := s.Session()
	if session.StreamFrames == nil {
		return fmt.Errorf("no stream is open for user %q", s.CurrentUser)
	}
	deadline := time.After(time.Duration(timeout * float64(time.Second)))
	for {
		select {
		case frame, ok := <-session.StreamFrames:
			if !ok {
				return fmt.Errorf("stream closed while waiting for a %q frame", frameType)
			}
			m, _ := frame.(map[string]interface{})
			if m["type"] != frameType {
				continue
			}
			data, err := json.Marshal(frame)
			if err != nil {
				return err
			}
			session.SetRespBytes(data)
			return nil
		case <-deadline:
			return fmt.Errorf("no %q stream frame within %v seconds", frameType, timeout)
		}
	}
}

func (s *TestScenario) iCloseTheStream() error {
	session := s.Session()
	if session.Stream == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = session.Stream.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := session.Stream.Close()
	session.Stream = nil
	return err
}
