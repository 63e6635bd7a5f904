package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicAgentExecute is the request subject a remote agent answers
// execution requests on.
func TopicAgentExecute(agentName string) string {
	return fmt.Sprintf("agent.%s.execute", agentName)
}

func TopicAgentValidate(agentName string) string {
	return fmt.Sprintf("agent.%s.validate", agentName)
}

func TopicEventsPipeline(runID string) string {
	return fmt.Sprintf("events.pipeline.%s", runID)
}

func TopicEventsSchedule(scheduleID string) string {
	return fmt.Sprintf("events.schedule.%s", scheduleID)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsPipelines = "events.pipeline.*"
	TopicEventsSchedules = "events.schedule.*"
)
