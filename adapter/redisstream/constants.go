package redisstream

// Stream entry fields. The envelope travels encoded in fieldEnvelope; kind,
// correlation id and target are duplicated as plain fields so entries can
// be inspected with XRANGE.
const (
	fieldKind          = "kind"
	fieldCorrelationID = "correlationId"
	fieldTarget        = "targetContext"
	fieldEnvelope      = "envelope" // raw codec bytes (no base64)
	fieldCodec         = "codec"
	fieldSentAt        = "sentAt" // int64 ns
)
