package domain

// UnitFileChange describes one symlink change the manager performed while
// enabling or disabling a unit file.
type UnitFileChange struct {
	Type        string `json:"type"`        // "symlink" or "unlink"
	File        string `json:"file"`        // the symlink
	Destination string `json:"destination"` // what it points to, empty on unlink
}

// EnableResult is the manager's verbatim answer to an enable call.
type EnableResult struct {
	CarriesInstallInfo bool             `json:"carries_install_info"`
	Changes            []UnitFileChange `json:"changes"`
}
