package reqguard

// truncate bounds untrusted content before it is echoed into evidence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
