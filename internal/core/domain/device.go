package domain

// Device is a registered vehicle-mounted camera. Its key is a connection
// credential: presenting a key not present in the registry refuses the
// connection outright.
type Device struct {
	Key         string
	Name        string
	OwnerUserID UserID
}
