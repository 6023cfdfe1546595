package events

// Monitoring steps reported in service-update events.
const (
	StepResource = "RESOURCE"
	StepPod      = "POD"
	StepIngress  = "INGRESS"
)

// Step statuses reported in service-update events.
const (
	StepPending = "PENDING"
	StepScaling = "SCALING"
	StepPulling = "PULLING"
	StepRunning = "RUNNING"
	StepSuccess = "SUCCESS"
	StepFailed  = "FAILED"
	StepInfo    = "INFO"
)

// ServiceLog is the payload of a service-update event.
type ServiceLog struct {
	ServiceName string `json:"serviceName"`
	Step        string `json:"step"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// Message is a plain payload carrying a human readable line and optional data.
type Message struct {
	Message string `json:"message"`
	Payload any    `json:"payload,omitempty"`
	Address string `json:"address,omitempty"`
}

// IngressAddress is the payload of an ingress-info event.
type IngressAddress struct {
	ServiceName string `json:"serviceName"`
	Address     string `json:"address"`
}

// ServiceLog publishes a service-update event for one monitoring step.
func (b *Bus) ServiceLog(key, service, step, status, message string) {
	b.Publish(key, ServiceUpdate, ServiceLog{
		ServiceName: service,
		Step:        step,
		Status:      status,
		Message:     message,
	})
}
