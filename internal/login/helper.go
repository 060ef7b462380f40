package login

import "path"

// DefaultContainerSessionDir is where the session volume is mounted inside
// helper containers.
const DefaultContainerSessionDir = "/tmp/session_volume"

// Helper describes how to invoke the login helper executable. Its three
// subcommands print one JSON object on stdout and debug lines on stderr.
type Helper struct {
	// Command is the helper's argv prefix, e.g. ["python", "/app/login_helper.py"].
	Command []string
	// SessionDir is the session directory as seen inside the container.
	SessionDir string
	APIID      string
	APIHash    string
}

// SessionBase is the helper's session path for key, without the ".session" suffix.
func (h Helper) SessionBase(key string) string {
	dir := h.SessionDir
	if dir == "" {
		dir = DefaultContainerSessionDir
	}
	return path.Join(dir, "user_"+key)
}

func (h Helper) argv(args ...string) []string {
	out := make([]string, 0, len(h.Command)+len(args))
	out = append(out, h.Command...)
	return append(out, args...)
}

// CheckArgv builds: check <session> <api_id> <api_hash>.
func (h Helper) CheckArgv(key string) []string {
	return h.argv("check", h.SessionBase(key), h.APIID, h.APIHash)
}

// SendCodeArgv builds: send_code <phone> <session> <api_id> <api_hash>.
func (h Helper) SendCodeArgv(key, phone string) []string {
	return h.argv("send_code", phone, h.SessionBase(key), h.APIID, h.APIHash)
}

// SignInArgv builds: sign_in <phone> <code> <hash> <password|None> <session> <api_id> <api_hash>.
func (h Helper) SignInArgv(key, phone, code, codeHash, password string) []string {
	if password == "" {
		password = noPassword
	}
	return h.argv("sign_in", phone, code, codeHash, password, h.SessionBase(key), h.APIID, h.APIHash)
}

// User is the account reported by the helper.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Reply is the helper's JSON output.
type Reply struct {
	Success          bool   `json:"success"`
	LoggedIn         bool   `json:"logged_in"`
	AlreadyLoggedIn  bool   `json:"already_logged_in"`
	PhoneCodeHash    string `json:"phone_code_hash"`
	FloodWait        int    `json:"flood_wait"`
	PasswordRequired bool   `json:"password_required"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	User             *User  `json:"user"`
}

// Reason returns the most specific human-readable text in the reply.
func (r Reply) Reason() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Message
}
