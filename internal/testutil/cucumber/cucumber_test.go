package cucumber

import (
	"net/http"
	"testing"

	"github.com/cucumber/godog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScenario(t *testing.T) *TestScenario {
	suite := NewTestSuite()
	suite.TestingT = t
	return &TestScenario{
		Suite:     suite,
		Users:     map[string]*TestUser{},
		sessions:  map[string]*TestSession{},
		Variables: map[string]interface{}{},
	}
}

func TestExpandResolvesVariablesAndResponse(t *testing.T) {
	s := newScenario(t)
	s.Variables["c"] = "abc"
	s.Variables["frame"] = map[string]interface{}{"type": "snapshot"}
	s.Session().SetRespBytes([]byte(`{"data":[{"text":"hi"}],"hasMore":true}`))

	out, err := s.Expand("/v1/conversations/${c}/messages")
	require.NoError(t, err)
	assert.Equal(t, "/v1/conversations/abc/messages", out)

	out, err = s.Expand("${frame.type} ${response.data[0].text} ${response.hasMore}")
	require.NoError(t, err)
	assert.Equal(t, "snapshot hi true", out)

	out, err = s.Expand(`${"a b" | string}`)
	require.NoError(t, err)
	assert.Equal(t, "a b", out)

	_, err = s.Expand("${missing}")
	require.Error(t, err)
}

func TestJSONMustContain(t *testing.T) {
	s := newScenario(t)
	actual := `{"id":"c1","lastMessage":"hi","messages":[{"text":"a","status":"seen"}]}`

	require.NoError(t, s.JSONMustContain(actual, `{"lastMessage":"hi"}`, false))
	require.NoError(t, s.JSONMustContain(actual, `{"messages":[{"status":"seen"}]}`, false))
	require.Error(t, s.JSONMustContain(actual, `{"lastMessage":"bye"}`, false))
	require.Error(t, s.JSONMustContain(actual, `{"messages":[]}`, false))
	require.Error(t, s.JSONMustContain(actual, `{"missing":true}`, false))
}

func TestJSONMustMatch(t *testing.T) {
	s := newScenario(t)
	s.Variables["id"] = "c1"
	require.NoError(t, s.JSONMustMatch(`{"id":"c1","n":1}`, `{"n":1,"id":"${id}"}`, true))
	err := s.JSONMustMatch(`{"id":"c1"}`, `{"id":"c2"}`, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diff")
}

func TestResponseSelectionSteps(t *testing.T) {
	s := newScenario(t)
	s.Variables["writer"] = "u1"
	s.Session().SetRespBytes([]byte(`{"id":"c1","lastWriter":"u1","peer":null,"data":[{"text":"hi","status":"sent"}],"hasMore":false}`))

	require.NoError(t, s.theSelectionFromTheResponseShouldMatch(".lastWriter", "${writer}"))
	require.NoError(t, s.theSelectionFromTheResponseShouldMatch(".peer", "null"))
	require.NoError(t, s.theSelectionFromTheResponseShouldMatch(".hasMore", "false"))
	require.NoError(t, s.theSelectionFromTheResponseShouldMatch(".data | length", "1"))
	require.Error(t, s.theSelectionFromTheResponseShouldMatch(".lastWriter", "u2"))
	require.Error(t, s.theSelectionFromTheResponseShouldMatch(".missing.deeper[", "x"))

	require.NoError(t, s.iStoreTheSelectionFromTheResponseAs(".id", "conv"))
	assert.Equal(t, "c1", s.Variables["conv"])
	require.Error(t, s.iStoreTheSelectionFromTheResponseAs("empty", "nothing"))

	require.NoError(t, s.theSelectionFromTheResponseShouldMatchJSON(".data[0]", &godog.DocString{Content: `{"status":"sent","text":"hi"}`}))
	require.Error(t, s.theSelectionFromTheResponseShouldMatchJSON(".data[0]", &godog.DocString{Content: `{"text":"hi"}`}))
}

func TestResponseCodeAndHeaderSteps(t *testing.T) {
	s := newScenario(t)
	require.Error(t, s.theResponseCodeShouldBe(200), "no response yet")

	session := s.Session()
	session.Resp = &http.Response{StatusCode: http.StatusCreated, Header: http.Header{}}
	session.Resp.Header.Set("X-Content-Type-Options", "nosniff")
	session.SetRespBytes([]byte(`{"id":"c1","lastMessage":"hi"}`))

	require.NoError(t, s.theResponseCodeShouldBe(201))
	require.Error(t, s.theResponseCodeShouldBe(200))
	require.NoError(t, s.theResponseHeaderShouldMatch("X-Content-Type-Options", "nosniff"))
	require.Error(t, s.theResponseHeaderShouldMatch("Content-Type", "image/png"))
	require.NoError(t, s.theResponseShouldContainJSONDoc(&godog.DocString{Content: `{"lastMessage":"hi"}`}))
	require.NoError(t, s.theResponseShouldMatchJSON(`{"lastMessage":"hi","id":"c1"}`))
	require.Error(t, s.theResponseShouldMatchJSON(`{"id":"c1"}`))
}
