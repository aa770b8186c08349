package mqtt

import "fmt"

// DefaultTopicRoot is the first segment of every topic when the
// configuration leaves mqtt.topic_root empty.
const DefaultTopicRoot = "wavemeter"

// Topics builds the wavemeterd topic hierarchy beneath a configurable
// root. Using these helpers keeps topic naming consistent between the
// publisher, the LWT and external consumers reading this source.
//
//	topics := mqtt.Topics{Root: "wavemeter"}
//	stateTopic := topics.State("wavelength_vac_nm")
//	// Returns: "wavemeter/state/wavelength_vac_nm"
type Topics struct {
	// Root is the first topic segment. Empty selects DefaultTopicRoot.
	Root string
}

func (t Topics) root() string {
	if t.Root == "" {
		return DefaultTopicRoot
	}
	return t.Root
}

// State returns the retained live-value topic for a channel.
//
// Example: wavemeter/state/wavelength_vac_nm
func (t Topics) State(channel string) string {
	return fmt.Sprintf("%s/state/%s", t.root(), channel)
}

// Bins returns the bin summary topic for a channel.
//
// Example: wavemeter/bins/wavelength_vac_nm
func (t Topics) Bins(channel string) string {
	return fmt.Sprintf("%s/bins/%s", t.root(), channel)
}

// Status returns the server status topic. The broker publishes the LWT
// here when the connection dies; the client publishes online/offline
// transitions itself.
//
// Example: wavemeter/status/server
func (t Topics) Status() string {
	return fmt.Sprintf("%s/status/server", t.root())
}
