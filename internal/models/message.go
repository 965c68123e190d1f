package models

import (
	"fmt"
	"time"
)

// Envelope is the structured header summary of a message.
type Envelope struct {
	Subject   string    `json:"subject"`
	From      []string  `json:"from"`
	To        []string  `json:"to"`
	Cc        []string  `json:"cc"`
	Date      time.Time `json:"date"`
	MessageID string    `json:"message_id"`
	InReplyTo string    `json:"in_reply_to"`
}

// MessageRecord is one metadata row in an account's local mail store.
// Key is folder path plus UID and is unique within the account; bodies are
// stored separately and Retrieved records whether one has been fetched.
// ThreadMsg is set on thread roots (flattened descendant keys, in order);
// IsThreadChild is set on descendants and names the root's key.
type MessageRecord struct {
	Key           string    `json:"key"`
	Folder        string    `json:"folder"`
	UID           uint32    `json:"uid"`
	Envelope      Envelope  `json:"envelope"`
	Flags         []string  `json:"flags"`
	ServerDate    time.Time `json:"server_date"`
	Size          uint32    `json:"size"`
	Retrieved     bool      `json:"retrieved"`
	ThreadMsg     []string  `json:"thread_msg,omitempty"`
	IsThreadChild string    `json:"is_thread_child,omitempty"`
}

// MessageKey builds the store key for a message: the delimited folder path
// concatenated with the UID, e.g. "INBOX6".
func MessageKey(folder string, uid uint32) string {
	return fmt.Sprintf("%s%d", folder, uid)
}

// ThreadRecord is the minimal projection of a message record the thread
// builder works on.
type ThreadRecord struct {
	Key       string
	MessageID string
	InReplyTo string
	Date      time.Time
}
