package mesh

// Topics follow the firmware's MQTT layout:
//
//	<root>/2/e/<channel>/<gateway id>
//
// where the payload is a protobuf ServiceEnvelope.
const envelopeSegment = "/2/e/"

// SubscribeTopic returns the wildcard filter for every envelope under root.
func SubscribeTopic(root string) string {
	return root + envelopeSegment + "#"
}

// EnvelopeTopic returns the topic a gateway publishes a channel's packets on.
func EnvelopeTopic(root, channel, gatewayID string) string {
	return root + envelopeSegment + channel + "/" + gatewayID
}
