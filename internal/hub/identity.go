package hub

import "github.com/kraiz/nusbot/internal/adc"

// Identity is what the bot announces about itself in its INF.
type Identity struct {
	Nick        string
	CID         string
	PID         string
	Description string
	Version     string
	// Active advertises TCP4 so peers expect us to listen.
	Active bool
}

func (id Identity) infParams() []string {
	params := []string{
		adc.NamedParam("ID", id.CID),
		adc.NamedParam("PD", id.PID),
		"CT1",
		adc.NamedParam("NI", id.Nick),
		adc.NamedParam("VE", id.Version),
		adc.NamedParam("DE", id.Description),
	}
	if id.Active {
		params = append(params, "SUTCP4", "I40.0.0.0")
	}
	return params
}
