package meta

type webhookPayload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string           `json:"id"`
	Changes   []change         `json:"changes"`
	Messaging []messagingEvent `json:"messaging"`
}

// WhatsApp Cloud API

type change struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Contacts         []whatsappContact `json:"contacts"`
	Messages         []whatsappMessage `json:"messages"`
	Statuses         []map[string]any  `json:"statuses"`
}

type whatsappContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type whatsappMessage struct {
	ID        string       `json:"id"`
	From      string       `json:"from"`
	Timestamp string       `json:"timestamp"`
	Type      string       `json:"type"`
	Text      whatsappText `json:"text"`
}

type whatsappText struct {
	Body string `json:"body"`
}

type whatsappSend struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             whatsappText `json:"text"`
}

// Messenger and Instagram

type messagingEvent struct {
	Sender    messengerRecipient `json:"sender"`
	Recipient messengerRecipient `json:"recipient"`
	Timestamp int64              `json:"timestamp"`
	Message   *messengerMessage  `json:"message"`
}

type messengerMessage struct {
	MID    string `json:"mid"`
	Text   string `json:"text"`
	IsEcho bool   `json:"is_echo"`
}

type messengerRecipient struct {
	ID string `json:"id"`
}

type messengerText struct {
	Text string `json:"text"`
}

type messengerSend struct {
	Recipient     messengerRecipient `json:"recipient"`
	MessagingType string             `json:"messaging_type"`
	Message       messengerText      `json:"message"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}
