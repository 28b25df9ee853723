package script

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooktrap/hooktrap/log"
)

func TestMain(m *testing.M) {
	log.SuppressOutput(true)
	defer log.SuppressOutput(false)
	m.Run()
}

const runTimeout = time.Second

func testEvent() map[string]interface{} {
	return map[string]interface{}{
		"id":         "evt_1",
		"webhookId":  "hook-a",
		"statusCode": 200,
		"body":       map[string]interface{}{"x": 1},
	}
}

func testReq() map[string]interface{} {
	return map[string]interface{}{
		"method": "POST",
		"path":   "/webhook/hook-a",
	}
}

func TestCompile(t *testing.T) {
	s, err := Compile(`event.statusCode = 201`)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "event.statusCode = 201", s.Source())

	s, err = Compile("   \n\t  ")
	require.NoError(t, err)
	assert.Nil(t, s, "blank source must compile to no script")

	_, err = Compile(`this is not lua ((`)
	assert.Error(t, err)
}

func TestRecompileCachesBySource(t *testing.T) {
	first, err := Compile(`event.statusCode = 201`)
	require.NoError(t, err)

	same, err := Recompile(first, "  event.statusCode = 201\n")
	require.NoError(t, err)
	assert.Same(t, first, same, "unchanged source must reuse the compiled script")

	changed, err := Recompile(first, `event.statusCode = 503`)
	require.NoError(t, err)
	assert.NotSame(t, first, changed)

	none, err := Recompile(first, "")
	require.NoError(t, err)
	assert.Nil(t, none, "clearing the source must clear the script")

	_, err = Recompile(first, `still (( not lua`)
	assert.Error(t, err)
}

func TestRunMutatesEvent(t *testing.T) {
	s, err := Compile(`
		event.statusCode = 201
		event.responseBody = "made it"
		event.responseHeaders = { ["X-Transformed"] = "yes" }
	`)
	require.NoError(t, err)

	out, err := s.Run(testEvent(), testReq(), runTimeout)
	require.NoError(t, err)
	assert.Equal(t, float64(201), out["statusCode"])
	assert.Equal(t, "made it", out["responseBody"])
	headers, ok := out["responseHeaders"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "yes", headers["X-Transformed"])

	// Untouched fields survive the round trip.
	assert.Equal(t, "hook-a", out["webhookId"])
}

func TestRunSeesRequestMetadata(t *testing.T) {
	s, err := Compile(`
		if req.method == "POST" then
			event.responseBody = "saw " .. req.path
		end
	`)
	require.NoError(t, err)

	out, err := s.Run(testEvent(), testReq(), runTimeout)
	require.NoError(t, err)
	assert.Equal(t, "saw /webhook/hook-a", out["responseBody"])
}

func TestRunNestedBody(t *testing.T) {
	s, err := Compile(`event.body.x = event.body.x + 41`)
	require.NoError(t, err)

	out, err := s.Run(testEvent(), testReq(), runTimeout)
	require.NoError(t, err)
	body, ok := out["body"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(42), body["x"])
}

func TestRunJSONModule(t *testing.T) {
	s, err := Compile(`
		local json = require("json")
		local doc = json.decode('{"answer": 42}')
		event.responseBody = json.encode({ got = doc.answer })
	`)
	require.NoError(t, err)

	out, err := s.Run(testEvent(), testReq(), runTimeout)
	require.NoError(t, err)
	assert.JSONEq(t, `{"got": 42}`, out["responseBody"].(string))
}

func TestRunTimeout(t *testing.T) {
	s, err := Compile(`while true do end`)
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Run(testEvent(), testReq(), 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second, "runaway script must be cut off")
}

func TestRunScriptError(t *testing.T) {
	s, err := Compile(`error("boom")`)
	require.NoError(t, err)

	_, err = s.Run(testEvent(), testReq(), runTimeout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script failed")
}

func TestRunClobberedEventIsAnError(t *testing.T) {
	s, err := Compile(`event = "gone"`)
	require.NoError(t, err)

	_, err = s.Run(testEvent(), testReq(), runTimeout)
	require.Error(t, err)
}

func TestSandboxHasNoHostAccess(t *testing.T) {
	for _, source := range []string{
		`io.open("/etc/passwd")`,
		`os.execute("true")`,
		`dofile("/etc/passwd")`,
		`loadfile("/etc/passwd")`,
		`require("socket")`,
	} {
		s, err := Compile(source)
		require.NoError(t, err, source)
		_, err = s.Run(testEvent(), testReq(), runTimeout)
		assert.Error(t, err, "%s must not be callable", source)
	}
}

func TestRunIsolation(t *testing.T) {
	// A global leaked by one run must not be visible to the next.
	s, err := Compile(`
		if leaked then
			event.responseBody = "leaked"
		end
		leaked = true
	`)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		out, err := s.Run(testEvent(), testReq(), runTimeout)
		require.NoError(t, err)
		assert.NotEqual(t, "leaked", out["responseBody"])
	}
}

func TestConsole(t *testing.T) {
	s, err := Compile(`
		console.log("seen", event.id)
		console.warn("careful")
		console.error("bad")
		print("plain")
	`)
	require.NoError(t, err)

	_, err = s.Run(testEvent(), testReq(), runTimeout)
	require.NoError(t, err)
}
