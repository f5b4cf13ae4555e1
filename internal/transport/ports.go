package transport

import "go.bug.st/serial/enumerator"

// PortInfo describes one OS-visible serial device.
type PortInfo struct {
	Device      string
	Description string
}

// ListPorts enumerates serial devices the OS knows about. Entries the
// enumerator cannot describe are dropped, matching the behaviour of
// filtering out "n/a" descriptions.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var ports []PortInfo
	for _, d := range details {
		if d.Product == "" {
			continue
		}
		ports = append(ports, PortInfo{
			Device:      d.Name,
			Description: d.Name + " - " + d.Product,
		})
	}
	return ports, nil
}
