package domain

// TopicHandle identifies a broker topic.
type TopicHandle struct {
	TopicID  string `json:"topic_id"`
	FullPath string `json:"topic_path"`
	// Created is true only for the call that created the topic.
	Created bool `json:"-"`
}
