package contracts

// Transmission is the body the endpoint returns on 200/206 and, sometimes,
// on 408/429/500. Error indices refer to positions in the request array.
type Transmission struct {
	ItemsReceived int                `json:"itemsReceived"`
	ItemsAccepted int                `json:"itemsAccepted"`
	Errors        []TransmissionItem `json:"errors"`
}

type TransmissionItem struct {
	Index      int    `json:"index"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// RetryableItemStatus reports whether an item-level status code is worth
// resending.
func RetryableItemStatus(code int) bool {
	switch code {
	case 206, 408, 429, 500, 503:
		return true
	}
	return false
}
