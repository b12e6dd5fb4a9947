package notification

import (
	"fmt"
	"strings"
	"time"

	"eventflow/internal/events"
)

// Render builds the message for a decoded payload.
func Render(payload any) (Message, error) {
	switch p := payload.(type) {
	case *events.EmailRequest:
		subject := p.Asunto
		if subject == "" {
			subject = "Notificación"
		}
		body := p.Mensaje
		if body == "" {
			body = fmt.Sprintf("Hola %s.", p.Nombre)
		}
		return Message{Recipient: p.Correo, Subject: subject, Body: body}, nil

	case *events.SMSRequest:
		return Message{Recipient: p.Telefono, Body: p.Mensaje}, nil

	case *events.PushRequest:
		return Message{Recipient: p.UsuarioID, Subject: p.Titulo, Body: p.Mensaje}, nil

	case *events.InvoiceNotice:
		var b strings.Builder
		if p.Nombre != "" {
			fmt.Fprintf(&b, "Hola %s,\n\n", p.Nombre)
		}
		fmt.Fprintf(&b, "Tu factura del %s está lista.\n", p.Fecha)
		fmt.Fprintf(&b, "Productos: %s\nTotal: %s\n", p.Items, p.Total)
		if p.FacturaID != "" {
			fmt.Fprintf(&b, "Referencia: %s\n", p.FacturaID)
		}
		return Message{Recipient: p.Correo, Subject: "Tu factura", Body: b.String()}, nil

	case *events.AppointmentConfirmation:
		body := fmt.Sprintf("Tu cita del %s ha sido registrada.", p.Fecha)
		if p.CitaID != "" {
			body = fmt.Sprintf("Tu cita %s del %s ha sido registrada.", p.CitaID, p.Fecha)
		}
		return Message{Recipient: p.Correo, Subject: "Confirmación de cita", Body: body}, nil

	case *events.WelcomeRequest:
		return welcome(p.Nombre, p.Correo), nil

	case *events.UserRegistered:
		return welcome(p.Nombre, p.Correo), nil

	case *events.AppointmentCompleted:
		var b strings.Builder
		fmt.Fprintf(&b, "Tu cita %d del %s ha finalizado.\n", *p.CitaID, p.Fecha.Format("2006-01-02"))
		fmt.Fprintf(&b, "Diagnóstico: %s\nTratamiento: %s\n", p.Diagnostico, p.Tratamiento)
		if !p.ProximaCita.IsZero() {
			fmt.Fprintf(&b, "Próxima cita: %s\n", p.ProximaCita.Format(time.DateOnly))
		}
		return Message{Recipient: p.ClienteEmail, Subject: "Confirmación de cita", Body: b.String()}, nil

	default:
		return Message{}, fmt.Errorf("no template for payload %T", payload)
	}
}

func welcome(nombre, correo string) Message {
	return Message{
		Recipient: correo,
		Subject:   "Bienvenido",
		Body:      fmt.Sprintf("Hola %s, gracias por registrarte.", nombre),
	}
}
