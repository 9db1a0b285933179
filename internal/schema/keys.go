package schema

// Store key layout. Every key is namespaced {prefix}:…:{tenant}:{topic} so a
// single store can serve many tenants and replicas agree bit-exactly on
// placement. Changing any of these breaks cross-replica compatibility.

// Keys builds namespaced store keys for one configured prefix.
type Keys struct {
	Prefix string
}

// Stream returns the durable per-topic stream key.
func (k Keys) Stream(tenant, topic string) string {
	return k.Prefix + ":stream:" + tenant + ":" + topic
}

// Pub returns the cross-replica publish channel for a topic.
func (k Keys) Pub(tenant, topic string) string {
	return k.Prefix + ":pub:" + tenant + ":" + topic
}

// PubPattern returns the pattern matching every topic publish channel.
func (k Keys) PubPattern() string {
	return k.Prefix + ":pub:*:*"
}

// PubPrefix returns the channel prefix stripped when parsing inbound messages.
func (k Keys) PubPrefix() string {
	return k.Prefix + ":pub:"
}

// Seq returns the per-topic sequence counter key.
func (k Keys) Seq(tenant, topic string) string {
	return k.Prefix + ":seq:" + tenant + ":" + topic
}

// TopicMeta returns the topic metadata hash key.
func (k Keys) TopicMeta(tenant, topic string) string {
	return k.Prefix + ":topic:" + tenant + ":" + topic + ":meta"
}

// TopicSubscribers returns the topic subscriber set key.
func (k Keys) TopicSubscribers(tenant, topic string) string {
	return k.Prefix + ":topic:" + tenant + ":" + topic + ":subscribers"
}

// SubscribersPattern matches every topic subscriber set.
func (k Keys) SubscribersPattern() string {
	return k.Prefix + ":topic:*:*:subscribers"
}

// SubscriberMeta returns the subscriber metadata hash key.
func (k Keys) SubscriberMeta(tenant, subID string) string {
	return k.Prefix + ":subscriber:" + tenant + ":" + subID + ":meta"
}

// SubscriberQueue returns the bounded per-subscriber delivery queue key.
func (k Keys) SubscriberQueue(tenant, subID, topic string) string {
	return k.Prefix + ":sub:" + tenant + ":" + subID + ":topic:" + topic + ":queue"
}

// TopicRate returns the per-{tenant, topic} rate-limit sorted set key.
func (k Keys) TopicRate(tenant, topic string) string {
	return k.Prefix + ":rl:" + tenant + ":" + topic
}

// Presence returns the per-topic presence hash key.
func (k Keys) Presence(tenant, topic string) string {
	return k.Prefix + ":presence:" + tenant + ":" + topic
}

// ACL returns the cached access-decision key.
func (k Keys) ACL(topic, user string) string {
	return k.Prefix + ":acl:" + topic + ":" + user
}

// BusChannel returns the in-process broadcast channel name for a topic.
func BusChannel(tenant, topic string) string {
	return "TOPIC_EVENTS:" + tenant + ":" + topic
}
