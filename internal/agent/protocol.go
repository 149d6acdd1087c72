package agent

import (
	"fmt"

	"github.com/3cpo-dev/gaxx-rpc/internal/codec"
)

// RemoteError is an error reply from the backend.
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s rejected by backend: %s", e.Action, e.Message)
}

// checkReply turns {error: true, message} into a RemoteError. Replies
// without an error field, such as {message: "Accepted"}, are successes.
func checkReply(action string, reply codec.Message) error {
	if failed, _ := reply["error"].(bool); failed {
		msg, _ := reply.String("message")
		return &RemoteError{Action: action, Message: msg}
	}
	return nil
}
