package auction_api_client

const (
	// API Endpoints
	SessionEndpoint        = "/session"
	RegistrationEndpoint   = "/registration-session"
	DepositEndpoint        = "/deposit"
	AuctionHistoryEndpoint = "/auction-history"

	// Headers
	AuthorizationHeader  = "Authorization"
	IdempotencyKeyHeader = "Idempotency-Key"

	// Envelope code the server uses for success.
	CodeOK = 200
)
