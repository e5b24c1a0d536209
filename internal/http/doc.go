// Package http provides the network surfaces of the attendance server.
//
// The web router exposes:
//   - POST /face/new_employee: enrolls an employee. Form fields employee_no,
//     firstname, lastname, engname, title, group, gender, email and avatar
//     (a JPEG data URL holding exactly one face).
//   - POST /face/change_employee_avatar: replaces the avatar and face reps of
//     employee id with the face in img.
//   - GET /healthz: liveness probe.
//   - everything else: files from the static web directory.
//
// Enrollment endpoints answer {"errno":0} on success and a non-zero errno
// with a message otherwise; see errnoFor in responder.go. They carry
// permissive CORS headers and, when an admin key is configured, require it
// in the X-Admin-Key header.
//
// StreamHandler upgrades requests to WebSocket and runs the recognition
// protocol over them.
package http
