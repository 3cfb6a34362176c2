package imapstore

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/rfc822"
)

var flagToIMAP = map[model.Flag]imap.Flag{
	model.FlagSeen:      imap.FlagSeen,
	model.FlagFlagged:   imap.FlagFlagged,
	model.FlagAnswered:  imap.FlagAnswered,
	model.FlagForwarded: imap.FlagForwarded,
	model.FlagDeleted:   imap.FlagDeleted,
}

var flagFromIMAP = map[imap.Flag]model.Flag{
	imap.FlagSeen:      model.FlagSeen,
	imap.FlagFlagged:   model.FlagFlagged,
	imap.FlagAnswered:  model.FlagAnswered,
	imap.FlagForwarded: model.FlagForwarded,
	imap.FlagDeleted:   model.FlagDeleted,
}

func imapFlag(flag model.Flag) imap.Flag {
	if mapped, ok := flagToIMAP[flag]; ok {
		return mapped
	}
	return imap.Flag(string(flag))
}

// serverFlags translates a message's flags into the subset the server
// stores.
func serverFlags(msg *model.Message) []imap.Flag {
	var out []imap.Flag
	for flag := range msg.Flags {
		if mapped, ok := flagToIMAP[flag]; ok {
			out = append(out, mapped)
		}
	}
	return out
}

// messageFromBuffer builds an envelope-level message handle from one
// fetch response.
func messageFromBuffer(folderName string, buf *imapclient.FetchMessageBuffer) *model.Message {
	msg := model.NewMessage(strconv.FormatUint(uint64(buf.UID), 10), folderName)
	applyBuffer(msg, buf, nil)
	return msg
}

// applyBuffer copies the fetched items present in buf onto msg.
func applyBuffer(msg *model.Message, buf *imapclient.FetchMessageBuffer, bodySection *imap.FetchItemBodySection) {
	if msg.Flags == nil {
		msg.Flags = model.NewFlagSet()
	}
	if buf.Flags != nil {
		for _, flag := range buf.Flags {
			if mapped, ok := flagFromIMAP[flag]; ok {
				msg.SetFlag(mapped, true)
			}
		}
	}
	if !buf.InternalDate.IsZero() {
		msg.InternalDate = buf.InternalDate
	}
	if buf.RFC822Size > 0 {
		msg.Size = buf.RFC822Size
	}
	if buf.Envelope != nil {
		env := buf.Envelope
		msg.Subject = env.Subject
		msg.MessageID = env.MessageID
		msg.Date = env.Date
		msg.From = addressStrings(env.From)
		msg.To = addressStrings(env.To)
	}
	if buf.BodyStructure != nil {
		msg.Parts = partsFromStructure(buf.BodyStructure)
	}
	if bodySection != nil {
		if raw := buf.FindBodySection(bodySection); raw != nil {
			parseBody(msg, raw)
		}
	}
}

func addressStrings(addrs []imap.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if addr.Name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", addr.Name, addr.Addr()))
		} else {
			out = append(out, addr.Addr())
		}
	}
	return out
}

// partsFromStructure flattens a BODYSTRUCTURE into part descriptors with
// dotted IMAP part paths.
func partsFromStructure(bs imap.BodyStructure) []model.Part {
	var parts []model.Part
	bs.Walk(func(path []int, part imap.BodyStructure) bool {
		single, ok := part.(*imap.BodyStructureSinglePart)
		if !ok {
			return true
		}
		parts = append(parts, model.Part{
			Path:     partPath(path),
			MIMEType: single.MediaType(),
			Filename: single.Filename(),
			Size:     int64(single.Size),
		})
		return true
	})
	return parts
}

func partPath(path []int) string {
	if len(path) == 0 {
		return "1"
	}
	pieces := make([]string, len(path))
	for i, n := range path {
		pieces[i] = strconv.Itoa(n)
	}
	return strings.Join(pieces, ".")
}

// parseBody extracts the text bodies and attachment metadata from a raw
// RFC 5322 message.
func parseBody(msg *model.Message, raw []byte) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Not MIME; keep the whole thing as the text body.
		msg.Body = string(raw)
		return
	}
	defer mr.Close()

	if msg.MessageID == "" {
		if id, err := mr.Header.MessageID(); err == nil {
			msg.MessageID = id
		}
	}

	partNum := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		partNum++

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			if strings.HasPrefix(contentType, "text/plain") || (msg.Body == "" && strings.HasPrefix(contentType, "text/")) {
				msg.Body = string(body)
			}
			msg.Parts = append(msg.Parts, model.Part{
				Path:       strconv.Itoa(partNum),
				MIMEType:   contentType,
				Size:       int64(len(body)),
				Content:    body,
				Downloaded: true,
			})
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			msg.Parts = append(msg.Parts, model.Part{
				Path:       strconv.Itoa(partNum),
				MIMEType:   contentType,
				Filename:   filename,
				Size:       int64(len(body)),
				Content:    body,
				Downloaded: true,
			})
		}
	}
}

// rawMessage renders a cached message back into RFC 5322 form for
// uploading.
func rawMessage(msg *model.Message) ([]byte, error) {
	return rfc822.Encode(msg)
}
