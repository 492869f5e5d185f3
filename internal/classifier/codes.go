// internal/classifier/codes.go
package classifier

// Category is a semantic bucket an inbound gateway error code falls into.
// A code may belong to several categories at once.
type Category string

const (
	CategoryConnection    Category = "connection"
	CategoryOrder         Category = "order"
	CategoryMarketData    Category = "market_data"
	CategoryHistorical    Category = "historical_data"
	CategorySocket        Category = "socket"
	CategoryAuthorization Category = "authorization"
	CategorySevere        Category = "severe"
	CategoryWarning       Category = "warning"
	// CategoryAny matches every classified error; callbacks registered
	// under it fire before the category-scoped ones.
	CategoryAny Category = "any"
)

// Session-level connectivity codes the gateway pushes.
const (
	CodeConnectivityLost             = 1100
	CodeConnectivityRestoredDataLost = 1101
	CodeConnectivityRestoredDataKept = 1102
	CodeSocketReset                  = 1300
	CodeVenueConnectivityLost        = 2110
)

// Static classification tables for the gateway's error numbering.
// Socket-layer failures sit in [500,549]; authorization rejections in
// [580,584]; order handling in the low hundreds; the 2100s are operational
// notices (data farm status and the like); five-digit codes are
// market-data request rejections.
var (
	marketDataCodes = map[int]struct{}{
		200:   {}, // no security definition matches the request
		354:   {}, // requested market data is not subscribed
		2103:  {}, // market data farm connection is broken
		2104:  {}, // market data farm connection is OK
		2108:  {}, // market data farm connection is inactive
		10167: {}, // displaying delayed data requires a subscription
		10168: {}, // requested ticker is not allowed
		10190: {}, // max number of tickers reached
	}

	historicalCodes = map[int]struct{}{
		162:  {}, // historical data service error
		165:  {}, // historical data service query message
		166:  {}, // HMDS expired token
		366:  {}, // no historical data query found for ticker
		2105: {}, // historical data farm is broken
		2106: {}, // historical data farm is connected
	}

	severeCodes = map[int]struct{}{
		509:             {}, // exception caught while reading socket
		CodeSocketReset: {},
	}

	// Operational notices logged at info regardless of their categories.
	informationalCodes = map[int]struct{}{
		2104: {},
		2106: {},
		2108: {},
	}

	// Codes that invalidate the specific market-data subscription they
	// are addressed to, without implying any transport-level trouble.
	subscriptionInvalidCodes = map[int]struct{}{
		200:   {},
		354:   {},
		10167: {},
		10168: {},
		10190: {},
	}
)

// Classify maps code onto its category set. Unknown codes return nil.
func Classify(code int) []Category {
	var cats []Category
	if isConnection(code) {
		cats = append(cats, CategoryConnection)
	}
	if isSocket(code) {
		cats = append(cats, CategorySocket)
	}
	if code >= 580 && code <= 584 {
		cats = append(cats, CategoryAuthorization)
	}
	if isOrder(code) {
		cats = append(cats, CategoryOrder)
	}
	if _, ok := marketDataCodes[code]; ok {
		cats = append(cats, CategoryMarketData)
	}
	if _, ok := historicalCodes[code]; ok {
		cats = append(cats, CategoryHistorical)
	}
	if _, ok := severeCodes[code]; ok {
		cats = append(cats, CategorySevere)
	}
	if code >= 2100 && code <= 2199 {
		cats = append(cats, CategoryWarning)
	}
	return cats
}

// IsConnectivityLost reports whether code announces lost connectivity
// between the gateway and the venue.
func IsConnectivityLost(code int) bool {
	return code == CodeConnectivityLost || code == CodeVenueConnectivityLost
}

// IsConnectivityRestored reports whether code announces restored
// connectivity. The session layer treats these as implicit reconnects.
func IsConnectivityRestored(code int) bool {
	return code == CodeConnectivityRestoredDataLost || code == CodeConnectivityRestoredDataKept
}

// InvalidatesSubscription reports whether code kills the single
// subscription it is addressed to (server-side rejection, no reconnect).
func InvalidatesSubscription(code int) bool {
	_, ok := subscriptionInvalidCodes[code]
	return ok
}

func isConnection(code int) bool {
	if IsConnectivityLost(code) || IsConnectivityRestored(code) {
		return true
	}
	return code == CodeSocketReset || (code >= 502 && code <= 504)
}

func isSocket(code int) bool {
	return (code >= 500 && code <= 549) || code == CodeSocketReset
}

func isOrder(code int) bool {
	switch code {
	case 110, 161, 163:
		return true
	}
	return code >= 201 && code <= 249
}

func isInformational(code int) bool {
	_, ok := informationalCodes[code]
	return ok
}
