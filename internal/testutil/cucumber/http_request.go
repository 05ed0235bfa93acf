package cucumber

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/cucumber/godog"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		// Generic HTTP steps
		ctx.Step(`^the path prefix is "([^"]*)"$`, s.theAPIPrefixIs)
		ctx.Step(`^I (GET|POST|PUT|DELETE|PATCH|OPTION) path "([^"]*)"$`, s.sendHTTPRequest)
		ctx.Step(`^I (GET|POST|PUT|DELETE|PATCH|OPTION) path "([^"]*)" with json body:$`, s.SendHTTPRequestWithJSONBody)
		ctx.Step(`^I wait up to "([^"]*)" seconds for a GET on path "([^"]*)" response "([^"]*)" selection to match "([^"]*)"$`, s.iWaitUpToSecondsForAGETOnPathResponseSelectionToMatch)
		ctx.Step(`^I wait up to "([^"]*)" seconds for a GET on path "([^"]*)" response code to match "([^"]*)"$`, s.iWaitUpToSecondsForAGETOnPathResponseCodeToMatch)
		ctx.Step(`^I wait up to "([^"]*)" seconds for a GET on path "([^"]*)" to respond with json:$`, s.iWaitUpToSecondsForAGETOnPathToRespondWithJSON)

		// Generic HTTP steps (I call METHOD "path")
		ctx.Step(`^I call (GET|POST|PUT|DELETE|PATCH) "([^"]*)"$`, s.sendHTTPRequest)
		ctx.Step(`^I call (GET|POST|PUT|DELETE|PATCH) "([^"]*)" with body:$`, s.SendHTTPRequestWithJSONBody)
		ctx.Step(`^I call (GET|POST|PUT|DELETE|PATCH) "([^"]*)" with query "([^"]*)"$`, s.iCallWithQuery)
		ctx.Step(`^I call (GET) "([^"]*)" expecting binary$`, s.iCallExpectingBinary)
		ctx.Step(`^I call (GET) "([^"]*)" expecting binary without authentication$`, s.iCallExpectingBinaryNoAuth)

		// Multipart uploads
		ctx.Step(`^I upload a (\d+) byte "([^"]*)" file to path "([^"]*)"$`, s.iUploadAFileToPath)

		// Header setting
		ctx.Step(`^I set the "([^"]*)" header to "([^"]*)"$`, s.iSetTheHeaderTo)
	})
}

func (s *TestScenario) theAPIPrefixIs(prefix string) error {
	s.PathPrefix = prefix
	return nil
}

func (s *TestScenario) sendHTTPRequest(method, path string) error {
	return s.SendHTTPRequestWithJSONBody(method, path, nil)
}

func (s *TestScenario) SendHTTPRequestWithJSONBody(method, path string, jsonTxt *godog.DocString) (err error) {
	defer func() {
		switch t := recover().(type) {
		case string:
			err = errors.New(t)
		case error:
			err = t
		}
	}()

	body := &bytes.Buffer{}
	if jsonTxt != nil {
		expanded, err := s.Expand(jsonTxt.Content)
		if err != nil {
			return err
		}
		body.WriteString(expanded)
	}
	return s.sendRequest(method, path, body, "application/json")
}

func (s *TestScenario) resolveURL(path string) (string, error) {
	expandedPath, err := s.Expand(path)
	if err != nil {
		return "", err
	}
	if u, err := url.Parse(expandedPath); err == nil && u.Scheme != "" {
		return expandedPath, nil
	}
	return s.Suite.APIURL + s.PathPrefix + expandedPath, nil
}

func (s *TestScenario) sendRequest(method, path string, body io.Reader, contentType string) error {
	session := s.Session()

	fullURL, err := s.resolveURL(path)
	if err != nil {
		return err
	}

	// Reset response state
	if session.Resp != nil {
		_ = session.Resp.Body.Close()
	}
	session.Resp = nil
	session.RespBytes = nil
	session.respJSON = nil

	ctx := context.Background()
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return err
	}

	// Consume session headers on every request except Authorization
	req.Header = session.Header
	session.Header = http.Header{}

	if req.Header.Get("Authorization") != "" {
		session.Header.Set("Authorization", req.Header.Get("Authorization"))
	} else if session.TestUser != nil && session.TestUser.Subject != "" {
		req.Header.Set("Authorization", "Bearer "+session.TestUser.Subject)
	}

	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := session.Client.Do(req)
	if err != nil {
		return err
	}

	defer func() {
		_ = resp.Body.Close()
	}()
	session.Resp = resp
	session.RespBytes, err = io.ReadAll(resp.Body)
	return err
}

func (s *TestScenario) iCallWithQuery(method, path, queryString string) error {
	expandedQuery, err := s.Expand(queryString)
	if err != nil {
		return err
	}
	if strings.Contains(path, "?") {
		path = path + "&" + expandedQuery
	} else {
		path = path + "?" + expandedQuery
	}
	return s.sendHTTPRequest(method, path)
}

func (s *TestScenario) iCallExpectingBinary(method, path string) error {
	session := s.Session()
	session.Header.Set("Accept", "*/*")
	return s.sendHTTPRequest(method, path)
}

func (s *TestScenario) iCallExpectingBinaryNoAuth(method, path string) error {
	session := s.Session()
	session.Header.Del("Authorization")
	session.Header.Set("Accept", "*/*")
	// Temporarily unset the user so no Authorization header is sent
	savedUser := session.TestUser
	session.TestUser = nil
	err := s.sendHTTPRequest(method, path)
	session.TestUser = savedUser
	return err
}

// iUploadAFileToPath posts a multipart form whose "file" part holds size
// deterministic bytes declared with contentType.
func (s *TestScenario) iUploadAFileToPath(size int, contentType, path string) error {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="upload.bin"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	chunk := []byte("0123456789abcdef")
	for written := 0; written < size; {
		n := min(len(chunk), size-written)
		if _, err := part.Write(chunk[:n]); err != nil {
			return err
		}
		written += n
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return s.sendRequest(http.MethodPost, path, body, mw.FormDataContentType())
}

func (s *TestScenario) iSetTheHeaderTo(name, value string) error {
	expanded, err := s.Expand(value)
	if err != nil {
		return err
	}
	s.Session().Header.Set(name, expanded)
	return nil
}

func (s *TestScenario) iWaitUpToSecondsForAGETOnPathResponseCodeToMatch(timeout float64, path string, expected int) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout*float64(time.Second)))
	defer cancel()

	for {
		err := s.sendHTTPRequest("GET", path)
		if err == nil {
			err = s.theResponseCodeShouldBe(expected)
			if err == nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		default:
			time.Sleep(time.Duration(timeout * float64(time.Second) / 10.0))
		}
	}
}

func (s *TestScenario) iWaitUpToSecondsForAGETOnPathResponseSelectionToMatch(timeout float64, path, selection, expected string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout*float64(time.Second)))
	defer cancel()

	for {
		err := s.sendHTTPRequest("GET", path)
		if err == nil {
			err = s.theSelectionFromTheResponseShouldMatch(selection, expected)
			if err == nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		default:
			time.Sleep(time.Duration(timeout * float64(time.Second) / 10.0))
		}
	}
}

func (s *TestScenario) iWaitUpToSecondsForAGETOnPathToRespondWithJSON(timeout float64, path string, expectedJSON *godog.DocString) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout*float64(time.Second)))
	defer cancel()

	time.Sleep(100 * time.Millisecond)

	var lastErr error
	for {
		err := s.sendHTTPRequest("GET", path)
		if err == nil {
			err = s.theResponseCodeShouldBe(200)
			if err == nil {
				err = s.theResponseShouldMatchJSON(expectedJSON.Content)
				if err == nil {
					return nil
				}
			}
		}
		lastErr = err

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("condition not met after %.f seconds: %w", timeout, lastErr)
			}
			return fmt.Errorf("condition not met after %.f seconds (no response received)", timeout)
		default:
			time.Sleep(1 * time.Second)
		}
	}
}
