package sandbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
	qrcode "github.com/skip2/go-qrcode"
)

// verificationCode fingerprints the printed content of a prescription so a
// pharmacy can match a paper copy against the portal.
func verificationCode(p Prescription, patientName, doctorName string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s", p.ID, patientName, doctorName, p.FechaEmision)
	for _, item := range p.Detalles {
		fmt.Fprintf(h, "|%s|%s", item.NombreMedicamento, item.Dosis)
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))[:12])
}

// renderPrescription lays a prescription out on a single A4 page with a
// verification QR code in the footer.
func renderPrescription(p Prescription, patientName, doctorName string) ([]byte, error) {
	code := verificationCode(p, patientName, doctorName)
	qr, err := qrcode.Encode(fmt.Sprintf("HMS-RX-%d-%s", p.ID, code), qrcode.Medium, 128)
	if err != nil {
		return nil, fmt.Errorf("encode verification qr: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(fmt.Sprintf("Receta %d", p.ID), false)
	pdf.SetAuthor(tr(doctorName), false)
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr(fmt.Sprintf("Receta médica N.º %d", p.ID)), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "", 11)
	for _, line := range []string{
		"Paciente: " + patientName,
		"Médico: " + doctorName,
		"Fecha de emisión: " + p.FechaEmision,
	} {
		pdf.CellFormat(0, 7, tr(line), "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Medicamentos", "B", 1, "L", false, 0, "")
	pdf.Ln(2)
	pdf.SetFont("Helvetica", "", 11)
	if len(p.Detalles) == 0 {
		pdf.CellFormat(0, 7, "Sin medicamentos", "", 1, "L", false, 0, "")
	}
	for i, item := range p.Detalles {
		pdf.MultiCell(0, 6, tr(fmt.Sprintf("%d. %s - %s", i+1, item.NombreMedicamento, item.Dosis)), "", "L", false)
	}

	pdf.Ln(10)
	y := pdf.GetY()
	pdf.RegisterImageReader("qr", "PNG", bytes.NewReader(qr))
	pdf.Image("qr", 15, y, 30, 30, false, "PNG", 0, "")
	pdf.SetXY(50, y+10)
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 5, tr("Código de verificación: "+code), "", 1, "L", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render prescription %d: %w", p.ID, err)
	}
	return buf.Bytes(), nil
}
