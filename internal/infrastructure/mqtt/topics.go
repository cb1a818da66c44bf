package mqtt

import "fmt"

// Topic prefixes for the Praxis MQTT hierarchy.
//
// Run traffic uses praxis/run/{run_id}/{kind}; instrument driver traffic
// uses praxis/driver/{asset_id}/{channel}. Control topics sit directly
// under praxis/run.
const (
	// TopicPrefix is the base for all Praxis topics.
	TopicPrefix = "praxis"

	// TopicPrefixRun is the base for run lifecycle topics.
	TopicPrefixRun = "praxis/run"

	// TopicPrefixDriver is the base for instrument driver topics.
	TopicPrefixDriver = "praxis/driver"

	// TopicPrefixSystem is the base for service status topics.
	TopicPrefixSystem = "praxis/system"
)

// Topics provides builders for Praxis MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.RunMessage("run-123", "state")
//	// Returns: "praxis/run/run-123/state"
type Topics struct{}

// =============================================================================
// Run Topics
// =============================================================================

// RunMessage returns the topic for one kind of run notification.
// Kinds mirror the notifier message types: state, log, terminal.
//
// Example: praxis/run/run-123/state
func (Topics) RunMessage(runID, kind string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixRun, runID, kind)
}

// RunSubmit returns the control topic accepting run submissions.
//
// Example: praxis/run/submit
func (Topics) RunSubmit() string {
	return fmt.Sprintf("%s/submit", TopicPrefixRun)
}

// RunCancel returns the control topic accepting run cancellations.
//
// Example: praxis/run/cancel
func (Topics) RunCancel() string {
	return fmt.Sprintf("%s/cancel", TopicPrefixRun)
}

// =============================================================================
// Driver Topics
// =============================================================================

// DriverCommand returns the topic carrying commands to an instrument driver.
//
// Example: praxis/driver/asset-ot2-1/command
func (Topics) DriverCommand(assetID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefixDriver, assetID)
}

// DriverReply returns the topic carrying command replies from a driver.
//
// Example: praxis/driver/asset-ot2-1/reply
func (Topics) DriverReply(assetID string) string {
	return fmt.Sprintf("%s/%s/reply", TopicPrefixDriver, assetID)
}

// DriverStatus returns the topic carrying a driver's health status.
// Drivers publish retained online/offline messages here.
//
// Example: praxis/driver/asset-ot2-1/status
func (Topics) DriverStatus(assetID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDriver, assetID)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the service status topic. The engine publishes a
// retained online message here and registers its LWT against it.
//
// Example: praxis/system/core/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/core/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllRunMessages returns a pattern matching every run notification.
//
// Pattern: praxis/run/+/+
func (Topics) AllRunMessages() string {
	return fmt.Sprintf("%s/+/+", TopicPrefixRun)
}

// AllDriverReplies returns a pattern matching every driver reply.
//
// Pattern: praxis/driver/+/reply
func (Topics) AllDriverReplies() string {
	return fmt.Sprintf("%s/+/reply", TopicPrefixDriver)
}

// AllDriverStatus returns a pattern matching every driver status topic.
//
// Pattern: praxis/driver/+/status
func (Topics) AllDriverStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixDriver)
}

// AllTopics returns a pattern matching all Praxis topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: praxis/#
func (Topics) AllTopics() string {
	return "praxis/#"
}
