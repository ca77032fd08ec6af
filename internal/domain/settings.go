package domain

// SMTPSPort is the implicit-TLS submission port
const SMTPSPort = 465

// Settings holds the notification configuration managed from the admin surface
type Settings struct {
	PushKey        string `json:"serverChanKey"`
	EmailHost      string `json:"emailHost"`
	EmailPort      int    `json:"emailPort"`
	EmailUser      string `json:"emailUser"`
	EmailPass      string `json:"emailPass"`
	EmailTo        string `json:"emailTo"`
	NotifyOnCreate bool   `json:"notifyOnCreate"`
	NotifyOnPaid   bool   `json:"notifyOnPaid"`
}

// DefaultSettings returns the settings used before anything has been saved
func DefaultSettings() Settings {
	return Settings{
		EmailPort:      SMTPSPort,
		NotifyOnCreate: false,
		NotifyOnPaid:   false,
	}
}

// PushEnabled reports whether the push transport is configured
func (s Settings) PushEnabled() bool {
	return s.PushKey != ""
}

// MailEnabled reports whether the mail transport is configured
func (s Settings) MailEnabled() bool {
	return s.EmailHost != "" && s.EmailUser != "" && s.EmailPass != "" && s.EmailTo != ""
}
