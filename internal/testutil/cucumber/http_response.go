package cucumber

import (
	"encoding/json"
	"fmt"

	"github.com/cucumber/godog"
	"github.com/itchyny/gojq"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^the response code should be (\d+)$`, s.theResponseCodeShouldBe)
		ctx.Step(`^the response should contain json:$`, s.theResponseShouldContainJSONDoc)
		ctx.Step(`^the response header "([^"]*)" should match "([^"]*)"$`, s.theResponseHeaderShouldMatch)
		ctx.Step(`^the "(.*)" selection from the response should match "([^"]*)"$`, s.theSelectionFromTheResponseShouldMatch)
		ctx.Step(`^the "([^"]*)" selection from the response should match json:$`, s.theSelectionFromTheResponseShouldMatchJSON)
		ctx.Step(`^I store the "([^"]*)" selection from the response as \${([^}]*)}$`, s.iStoreTheSelectionFromTheResponseAs)
	})
}

func (s *TestScenario) theResponseCodeShouldBe(expected int) error {
	session := s.Session()
	if session.Resp == nil {
		return fmt.Errorf("no HTTP response available")
	}
	if actual := session.Resp.StatusCode; actual != expected {
		return fmt.Errorf("expected response code %d, got %d, body: %s", expected, actual, string(session.RespBytes))
	}
	return nil
}

// theResponseShouldMatchJSON backs the wait steps, which poll until the whole
// body matches.
func (s *TestScenario) theResponseShouldMatchJSON(expected string) error {
	session := s.Session()
	if len(session.RespBytes) == 0 {
		return fmt.Errorf("empty response body, expected json")
	}
	return s.JSONMustMatch(string(session.RespBytes), expected, true)
}

func (s *TestScenario) theResponseShouldContainJSONDoc(expected *godog.DocString) error {
	session := s.Session()
	if len(session.RespBytes) == 0 {
		return fmt.Errorf("empty response body, expected json")
	}
	return s.JSONMustContain(string(session.RespBytes), expected.Content, true)
}

func (s *TestScenario) theResponseHeaderShouldMatch(header, expected string) error {
	session := s.Session()
	if session.Resp == nil {
		return fmt.Errorf("no HTTP response available")
	}
	expanded, err := s.Expand(expected)
	if err != nil {
		return err
	}
	if actual := session.Resp.Header.Get(header); actual != expanded {
		return fmt.Errorf("response header %q: expected %q, got %q", header, expanded, actual)
	}
	return nil
}

// selectFromResponse returns the first value selector yields on the JSON body.
func (s *TestScenario) selectFromResponse(selector string) (any, error) {
	doc, err := s.Session().RespJSON()
	if err != nil {
		return nil, err
	}
	query, err := gojq.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", selector, err)
	}
	v, found := query.Run(doc).Next()
	if !found {
		return nil, fmt.Errorf("no node in the response matches selector %q", selector)
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("selector %q: %w", selector, err)
	}
	return v, nil
}

func (s *TestScenario) iStoreTheSelectionFromTheResponseAs(selector, as string) error {
	v, err := s.selectFromResponse(selector)
	if err != nil {
		return err
	}
	s.Variables[as] = v
	return nil
}

// theSelectionFromTheResponseShouldMatch compares the selected value in its %v
// form, with JSON null written as "null".
func (s *TestScenario) theSelectionFromTheResponseShouldMatch(selector, expected string) error {
	v, err := s.selectFromResponse(selector)
	if err != nil {
		return err
	}
	expected, err = s.Expand(expected)
	if err != nil {
		return err
	}
	actual := "null"
	if v != nil {
		actual = fmt.Sprintf("%v", v)
	}
	if actual != expected {
		return fmt.Errorf("selection %q: expected %s, got %s", selector, expected, actual)
	}
	return nil
}

func (s *TestScenario) theSelectionFromTheResponseShouldMatchJSON(selector string, expected *godog.DocString) error {
	v, err := s.selectFromResponse(selector)
	if err != nil {
		return err
	}
	actual, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.JSONMustMatch(string(actual), expected.Content, true)
}
