package nats

import (
	"fmt"
	"strings"
)

// Topic and subscription mapping onto JetStream.
//
//	topic "ojs.jobs.Email"         -> stream "ojs_jobs_Email" bound to subject "ojs.jobs.Email"
//	subscription "ojs.jobs.Email"  -> durable pull consumer "ojs_jobs_Email" on that stream
//	dead-letter topic              -> its own stream, fed by the max-deliveries advisory
const (
	// Consumer metadata keys.
	MetaTopic           = "ojs.topic"
	MetaSubscription    = "ojs.subscription"
	MetaDeadLetterTopic = "ojs.dead_letter_topic"
	MetaRetention       = "ojs.retention"

	deadLetterQueueGroup = "ojs-dead-letter"
)

var nameReplacer = strings.NewReplacer(
	".", "_",
	"*", "_",
	">", "_",
	"/", "_",
	`\`, "_",
	" ", "_",
	"\t", "_",
	"\n", "_",
	"\r", "_",
)

// StreamName returns the JetStream stream backing a topic.
func StreamName(topicID string) string {
	return nameReplacer.Replace(topicID)
}

// ConsumerName returns the durable consumer backing a subscription.
func ConsumerName(subscriptionID string) string {
	return nameReplacer.Replace(subscriptionID)
}

// TopicSubject returns the subject messages for a topic are published on.
func TopicSubject(topicID string) string {
	return topicID
}

// MaxDeliveriesAdvisorySubject is where the server announces a message that
// exhausted its consumer's MaxDeliver.
func MaxDeliveriesAdvisorySubject(stream, consumer string) string {
	return fmt.Sprintf("$JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES.%s.%s", stream, consumer)
}

// DeadLetterMsgID is the dedupe id used when forwarding a stream sequence.
func DeadLetterMsgID(stream string, seq uint64) string {
	return fmt.Sprintf("dl-%s-%d", stream, seq)
}

// DeadLetterKey is the dead-letter index key for a stream sequence.
func DeadLetterKey(stream string, seq uint64) string {
	return fmt.Sprintf("%s.%d", stream, seq)
}

// validSubject reports whether a topic id can be used as a literal subject.
func validSubject(topicID string) bool {
	if topicID == "" || strings.HasPrefix(topicID, ".") || strings.HasSuffix(topicID, ".") || strings.Contains(topicID, "..") {
		return false
	}
	return !strings.ContainsAny(topicID, "*> \t\r\n")
}
