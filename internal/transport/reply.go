package transport

import "github.com/3cpo-dev/gaxx-rpc/pkg/api"

// AcceptedMessage is the body of every accepted progress or completion report.
const AcceptedMessage = "Accepted"

// ErrorReply builds {error: true, message}.
func ErrorReply(message string) api.Reply {
	return api.Reply{Error: true, Message: message}
}

// SuccessReply builds {error: false, message}.
func SuccessReply(message string) api.Reply {
	return api.Reply{Error: false, Message: message}
}

// AcceptedReply builds {message: "Accepted"}, which has no error field.
func AcceptedReply() api.Accepted {
	return api.Accepted{Message: AcceptedMessage}
}
