package mail

import "net/mail"

// parseAddress extracts the bare address from "Name <addr>" for the SMTP
// envelope.
func parseAddress(s string) (string, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return a.Address, nil
}
