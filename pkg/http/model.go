package http

// APIResponse represents standard API response.
type APIResponse struct {
	Status  int         `json:"status" example:"200"`
	Message string      `json:"message" example:"OK"`
	Data    interface{} `json:"data,omitempty"`
}

// ValidationError represents validation error detail.
type ValidationError struct {
	Code    string                 `json:"code,omitempty" example:"ERR_ONEOF"`
	Field   string                 `json:"field,omitempty" example:"status"`
	Message string                 `json:"message,omitempty" example:"status must be one of: open, closed"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// ListDataResponse represents a bounded list response.
type ListDataResponse struct {
	Rows  interface{} `json:"rows"`
	Total int64       `json:"total"`
}

// ErrorBody is the flat error shape agents receive from the ingest endpoint.
type ErrorBody struct {
	Error string `json:"error"`
}
