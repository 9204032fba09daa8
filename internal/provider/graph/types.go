package graph

import (
	"strings"
	"time"
)

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type emailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type mailFolder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ParentFolderID   string `json:"parentFolderId"`
	ChildFolderCount int    `json:"childFolderCount"`
}

type folderPage struct {
	Value    []mailFolder `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

type message struct {
	ID                string      `json:"id"`
	InternetMessageID string      `json:"internetMessageId"`
	Subject           string      `json:"subject"`
	From              *recipient  `json:"from"`
	ToRecipients      []recipient `json:"toRecipients"`
	CcRecipients      []recipient `json:"ccRecipients"`
	BccRecipients     []recipient `json:"bccRecipients"`
	ReceivedDateTime  time.Time   `json:"receivedDateTime"`
	SentDateTime      time.Time   `json:"sentDateTime"`
	HasAttachments    bool        `json:"hasAttachments"`
	Body              *itemBody   `json:"body"`
}

type messagePage struct {
	Value    []message `json:"value"`
	NextLink string    `json:"@odata.nextLink"`
}

type attachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentID    string `json:"contentId"`
	IsInline     bool   `json:"isInline"`
	ContentBytes []byte `json:"contentBytes"`
}

type attachmentPage struct {
	Value    []attachment `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

const fileAttachmentType = "#microsoft.graph.fileAttachment"

func addresses(list []recipient) []string {
	out := make([]string, 0, len(list))
	for _, r := range list {
		if r.EmailAddress.Address != "" {
			out = append(out, r.EmailAddress.Address)
		}
	}
	return out
}

func (m message) from() []string {
	if m.From == nil {
		return nil
	}
	return addresses([]recipient{*m.From})
}

func (m message) messageID() string {
	return strings.Trim(strings.TrimSpace(m.InternetMessageID), "<>")
}

// date is the sent time, or the received time when the server has none.
func (m message) date() time.Time {
	if !m.SentDateTime.IsZero() {
		return m.SentDateTime.UTC()
	}
	return m.ReceivedDateTime.UTC()
}
