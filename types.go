package officeconvert

// Status is the body of GET /status.
type Status struct {
	IsBusy bool `json:"is_busy"`
}

// VersionInfo is the body of GET /office-version.
type VersionInfo struct {
	Major   int    `json:"major"`
	Minor   int    `json:"minor"`
	BuildID string `json:"build_id"`
}

// SupportedFormat is one entry of GET /supported-formats.
type SupportedFormat struct {
	Name string `json:"name"` // Name of the file format
	Mime string `json:"mime"` // Mime type of the format
}

// ErrorResponse is the body the server sends with every error status.
type ErrorResponse struct {
	Reason    string  `json:"reason"`
	Backtrace *string `json:"backtrace"`
}

// Wire routes shared by the server and the client.
const (
	RouteStatus           = "/status"
	RouteOfficeVersion    = "/office-version"
	RouteSupportedFormats = "/supported-formats"
	RouteConvert          = "/convert"
	RouteCollectGarbage   = "/collect-garbage"

	// FormFieldFile is the multipart field carrying the document to convert.
	FormFieldFile = "file"

	// HeaderRequestID carries the server-side job identifier.
	HeaderRequestID = "X-Request-Id"
)
