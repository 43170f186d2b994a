package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	texttemplate "text/template"

	"github.com/gofiber/template/html/v2"

	"github.com/mayone/pledges/internal/pkg/constants"
)

//go:embed templates/*
var templatesFS embed.FS

const (
	ReceiptSubject  = "Thank you for your pledge"
	receiptTemplate = "thank-you"
	receiptTextFile = receiptTemplate + ".txt"
)

// ThankYou is the data behind one receipt email.
type ThankYou struct {
	Email       string
	Name        string
	URLNonce    string
	AmountCents int64
}

type receiptData struct {
	Name      string
	URLNonce  string
	Total     string
	UpdateURL string
}

// Receipts renders and sends thank-you emails.
type Receipts struct {
	mailer    Mailer
	text      *texttemplate.Template
	html      *html.Engine
	publicURL string
}

// NewReceipts loads the thank-you templates from templateDir, or from the
// embedded defaults when templateDir is empty.
func NewReceipts(mailer Mailer, templateDir, publicURL string) (*Receipts, error) {
	var (
		text   *texttemplate.Template
		engine *html.Engine
		err    error
	)
	if templateDir != "" {
		text, err = texttemplate.ParseFiles(filepath.Join(templateDir, receiptTextFile))
		engine = html.New(templateDir, ".html")
	} else {
		sub, subErr := fs.Sub(templatesFS, "templates")
		if subErr != nil {
			return nil, subErr
		}
		text, err = texttemplate.ParseFS(sub, receiptTextFile)
		engine = html.NewFileSystem(http.FS(sub), ".html")
	}
	if err != nil {
		return nil, fmt.Errorf("load receipt text template: %w", err)
	}
	if err := engine.Load(); err != nil {
		return nil, fmt.Errorf("load receipt html template: %w", err)
	}

	return &Receipts{
		mailer:    mailer,
		text:      text,
		html:      engine,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// Render fills both templates for t.
func (r *Receipts) Render(t ThankYou) (Message, error) {
	data := receiptData{
		Name:      ReceiptName(t.Name, t.Email),
		URLNonce:  t.URLNonce,
		Total:     FormatTotal(t.AmountCents),
		UpdateURL: r.publicURL + constants.UserUpdatePath + t.URLNonce,
	}

	var text, body bytes.Buffer
	if err := r.text.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render receipt text: %w", err)
	}
	if err := r.html.Render(&body, receiptTemplate, data); err != nil {
		return Message{}, fmt.Errorf("render receipt html: %w", err)
	}
	return Message{
		To:      t.Email,
		Subject: ReceiptSubject,
		Text:    text.String(),
		HTML:    body.String(),
	}, nil
}

// SendReceipt renders and sends the thank-you email.
func (r *Receipts) SendReceipt(ctx context.Context, t ThankYou) error {
	msg, err := r.Render(t)
	if err != nil {
		return err
	}
	return r.mailer.Send(ctx, msg)
}

// ReceiptName is the salutation: name, or the email when no name was
// given, with non-ASCII characters dropped.
func ReceiptName(name, email string) string {
	if strings.TrimSpace(name) == "" {
		name = email
	}
	return strings.Map(func(r rune) rune {
		if r > 127 {
			return -1
		}
		return r
	}, name)
}

// FormatTotal renders whole dollars, truncating cents.
func FormatTotal(amountCents int64) string {
	return fmt.Sprintf("$%d", amountCents/100)
}
