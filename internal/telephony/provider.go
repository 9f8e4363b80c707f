package telephony

import "context"

// DialRequest carries everything the provider needs to place one outbound
// call.
type DialRequest struct {
	RoomName     string
	Phone        string
	CustomerName string
}

// DialResult is the provider's answer to a successful dial.
type DialResult struct {
	ProviderCallID string
	Status         string
}

// Session describes one live call room on the provider side.
type Session struct {
	Token            string
	ParticipantCount int
}

// Provider abstracts the telephony integration. Dial returns an error when
// the call could not be placed; the error text carries the provider or SIP
// status used for outcome classification. ActiveSessions lists the rooms
// the provider currently holds open.
type Provider interface {
	Dial(ctx context.Context, req DialRequest) (DialResult, error)
	ActiveSessions(ctx context.Context) ([]Session, error)
}
