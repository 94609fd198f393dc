package constants

// Static route constants
const (
	APIRoute    = "/api/v1"
	PublicRoute = "/"
	// Document file namespace inside the object storage bucket
	DocumentsPrefix = "documents"
)
