package login

// State is a user's position in the login flow.
type State int

const (
	Idle State = iota
	CodeRequested
	AwaitingVerification
	PasswordRequired
	AwaitingPassword
	Success
	Failed
)

var stateNames = [...]string{
	Idle:                 "idle",
	CodeRequested:        "code_requested",
	AwaitingVerification: "awaiting_verification",
	PasswordRequired:     "password_required",
	AwaitingPassword:     "awaiting_password",
	Success:              "success",
	Failed:               "failed",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the flow has ended.
func (s State) Terminal() bool {
	return s == Success || s == Failed
}
