package build_info

var (
	// Set through ldflags upon release
	Version   = "dev"
	BuildDate = "unknown"
)
