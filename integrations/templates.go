package integrations

import (
	"bytes"
	"fmt"
	"html/template"
)

var (
	inviteTmpl = template.Must(template.New("invite").Parse(`<p>Hi{{if .Name}} {{.Name}}{{end}},</p>
<p>{{.Inviter}} invited you to collaborate on <strong>{{.Project}}</strong> in {{.AppName}}.</p>
<p><a href="{{.Link}}">Open {{.Project}}</a></p>
{{if not .HasAccount}}<p>Sign up with this email address and the project will appear on your dashboard.</p>{{end}}`))

	resetTmpl = template.Must(template.New("reset").Parse(`<p>Hi{{if .Name}} {{.Name}}{{end}},</p>
<p>We received a request to reset your {{.AppName}} password.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p>This link expires in {{.Expires}}. If you did not ask for a reset you can ignore this email.</p>`))

	contactTmpl = template.Must(template.New("contact").Parse(`<p>New contact form submission</p>
<p><strong>From:</strong> {{.Name}} &lt;{{.Email}}&gt;</p>
<p><strong>Subject:</strong> {{.Subject}}</p>
<p>{{.Message}}</p>`))
)

type InviteData struct {
	AppName    string
	Name       string
	Inviter    string
	Project    string
	Link       string
	HasAccount bool
}

type ResetData struct {
	AppName string
	Name    string
	Link    string
	Expires string
}

type ContactData struct {
	Name    string
	Email   string
	Subject string
	Message string
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s email: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func InviteEmail(to string, d InviteData) (Message, error) {
	html, err := render(inviteTmpl, d)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: fmt.Sprintf("You've been invited to %s on %s", d.Project, d.AppName), HTML: html}, nil
}

func ResetEmail(to string, d ResetData) (Message, error) {
	html, err := render(resetTmpl, d)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: fmt.Sprintf("Reset your %s password", d.AppName), HTML: html}, nil
}

func ContactEmail(to string, d ContactData) (Message, error) {
	html, err := render(contactTmpl, d)
	if err != nil {
		return Message{}, err
	}
	subject := "Contact form: " + d.Subject
	if d.Subject == "" {
		subject = "Contact form submission from " + d.Name
	}
	return Message{To: to, Subject: subject, HTML: html}, nil
}
