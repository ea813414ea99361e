package protocol

// Event names carried on the upstream gateway's EventFrame during the
// signed-challenge handshake (see internal/upstream).
const (
	EventConnectChallenge = "connect.challenge"
	EventDevicePairReq    = "device.pair.requested"
	EventDevicePairRes    = "device.pair.resolved"
)
