package tracing

import "fmt"

// Context identifies one request as it moves through the relay.
type Context struct {
	RequestID     string
	RequestSource string
}

func (c Context) String() string {
	return fmt.Sprintf("[%s/%s]", c.RequestSource, c.RequestID)
}
