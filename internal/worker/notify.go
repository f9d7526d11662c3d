package worker

import (
	"fmt"
	"html/template"
	"strings"
)

// notificationSubject is the subject line of the merge-complete email.
const notificationSubject = "Your podcast session is ready to download!"

var notificationTmpl = template.Must(template.New("merged").Parse(`
<div style="font-family: sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 20px auto; padding: 20px;">
  <p>Hi <strong>{{.HostName}}</strong>,</p>
  <p>Your studio session videos have been successfully merged and are ready for download!</p>
  <p>You can access and download your merged videos from the session details page:</p>
  <p style="text-align: center;">
    <a href="{{.SessionLink}}" target="_blank">View &amp; Download Videos</a>
  </p>
  <p style="font-size: 14px; color: #666;">Thank you for using Rivora Studio!</p>
</div>
`))

// sessionLink builds the frontend link to the session's download page.
func sessionLink(frontendBaseURL, sessionID string) string {
	return fmt.Sprintf("%s/my-studios/%s", strings.TrimRight(frontendBaseURL, "/"), sessionID)
}

// notificationBody renders the merge-complete email HTML.
func notificationBody(hostName, link string) (string, error) {
	if hostName == "" {
		hostName = "Host"
	}
	var b strings.Builder
	err := notificationTmpl.Execute(&b, struct {
		HostName    string
		SessionLink string
	}{HostName: hostName, SessionLink: link})
	if err != nil {
		return "", fmt.Errorf("render notification: %w", err)
	}
	return b.String(), nil
}
