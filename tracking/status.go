package tracking

import "strings"

var statusDescriptions = map[Status]string{
	StatusPending:        "Shipment information received",
	StatusPickedUp:       "Package picked up by carrier",
	StatusInTransit:      "Package in transit",
	StatusOutForDelivery: "Out for delivery",
	StatusDelivered:      "Delivered",
	StatusException:      "Delivery exception",
}

// Description returns the stock event description for a status.
func Description(s Status) string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return string(s)
}

// DefaultLocation guesses where a package is for a status, using the first
// comma-separated segment of the sender or recipient address when relevant.
func DefaultLocation(s Status, pkg Package) string {
	switch s {
	case StatusPending:
		return addressHead(pkg.SenderAddress, "Origin Facility")
	case StatusPickedUp:
		return addressHead(pkg.SenderAddress, "Pickup Location")
	case StatusInTransit:
		return "Distribution Center"
	case StatusOutForDelivery:
		return addressHead(pkg.RecipientAddress, "Local Facility")
	case StatusDelivered:
		return addressHead(pkg.RecipientAddress, "Destination")
	case StatusException:
		return "Processing Facility"
	default:
		return "Processing Facility"
	}
}

// originLocation is where the seed event of a new package is recorded.
func originLocation(pkg Package) string {
	return addressHead(pkg.SenderAddress, "Origin Facility")
}

func addressHead(address, fallback string) string {
	head, _, _ := strings.Cut(address, ",")
	head = strings.TrimSpace(head)
	if head == "" {
		return fallback
	}
	return head
}
