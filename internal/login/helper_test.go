package login

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelperArgv(t *testing.T) {
	h := Helper{Command: []string{"python", "/app/login_helper.py"}, APIID: "12345", APIHash: "deadbeef"}

	assert.Equal(t,
		[]string{"python", "/app/login_helper.py", "check", "/tmp/session_volume/user_alice", "12345", "deadbeef"},
		h.CheckArgv("alice"))
	assert.Equal(t,
		[]string{"python", "/app/login_helper.py", "send_code", "+15551234567", "/tmp/session_volume/user_alice", "12345", "deadbeef"},
		h.SendCodeArgv("alice", "+15551234567"))
	assert.Equal(t,
		[]string{"python", "/app/login_helper.py", "sign_in", "+15551234567", "123456", "abc", "None", "/tmp/session_volume/user_alice", "12345", "deadbeef"},
		h.SignInArgv("alice", "+15551234567", "123456", "abc", ""))
	assert.Equal(t, "hunter2", h.SignInArgv("alice", "+1555", "1", "abc", "hunter2")[6])
}

func TestHelperSessionDir(t *testing.T) {
	h := Helper{SessionDir: "/sessions"}
	assert.Equal(t, "/sessions/user_bob", h.SessionBase("bob"))
}

func TestReplyDecoding(t *testing.T) {
	var r Reply
	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"already_logged_in":true,"user":{"id":"777","first_name":"Ann","username":"ann"}}`), &r))
	assert.True(t, r.AlreadyLoggedIn)
	require.NotNil(t, r.User)
	assert.Equal(t, "777", r.User.ID)

	r = Reply{Message: "need password", Error: "PasswordNeeded"}
	assert.Equal(t, "PasswordNeeded", r.Reason())
	r.Error = ""
	assert.Equal(t, "need password", r.Reason())
}
