package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hms/portal/internal/domain/booking"
	"github.com/hms/portal/internal/platform/apiclient"
	"github.com/hms/portal/internal/platform/auth"
	"github.com/hms/portal/internal/platform/session"
)

func loginCmd() *cobra.Command {
	var creds session.Credentials
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				sess, err := p.auth.Login(ctx, creds)
				if err != nil {
					p.notifier.Error("Sign-in failed", booking.UserMessage(err, "Check your email and password."))
					return err
				}
				name := sess.DisplayName
				if name == "" {
					name = sess.Email
				}
				p.notifier.Success("Signed in", fmt.Sprintf("Welcome, %s.", name))
				fmt.Fprintf(p.out, "role: %s\nhome: %s\n", sess.Role, auth.HomeFor(sess.Role))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&creds.Email, "email", "", "account email")
	cmd.Flags().StringVar(&creds.Password, "password", "", "account password")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				if err := p.auth.Logout(ctx); err != nil {
					return err
				}
				p.notifier.Info("Signed out", "")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				sess := p.store.Snapshot()
				if sess == nil {
					fmt.Fprintln(p.out, "not signed in")
					return nil
				}
				fmt.Fprintf(p.out, "user:  %d\nemail: %s\nname:  %s\nrole:  %s\n",
					sess.UserID, sess.Email, sess.DisplayName, sess.Role)
				if sess.ExpiresAt != nil {
					state := "valid"
					if sess.Expired(time.Now()) {
						state = "expired"
					}
					fmt.Fprintf(p.out, "token: %s until %s\n", state, sess.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func registerCmd() *cobra.Command {
	var (
		reg       session.Registration
		specialty string
		insurer   string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a portal account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if specialty != "" {
				reg.Especialidad = &specialty
			}
			if insurer != "" {
				reg.SeguroMedico = &insurer
			}
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				if err := p.auth.Register(ctx, reg); err != nil {
					p.notifier.Error("Registration failed", booking.UserMessage(err, err.Error()))
					return err
				}
				p.notifier.Success("Account created", "You can now sign in.")
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&reg.DNI, "dni", "", "national id, 8 digits and a letter")
	f.StringVar(&reg.Nombre, "nombre", "", "full name")
	f.StringVar(&reg.Email, "email", "", "account email")
	f.StringVar(&reg.Password, "password", "", "password, at least 8 characters")
	f.StringVar(&reg.Rol, "rol", string(session.RolePatient), "PACIENTE, DOCTOR or ADMINISTRADOR")
	f.StringVar(&specialty, "especialidad", "", "specialty (doctors)")
	f.StringVar(&insurer, "seguro", "", "medical insurer (patients)")
	return cmd
}

func doctorsCmd() *cobra.Command {
	var specialty string
	cmd := &cobra.Command{
		Use:   "doctors",
		Short: "List bookable doctors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				if err := p.requireRoute(auth.BookingPath); err != nil {
					return err
				}
				doctors, err := p.client.Doctors(ctx)
				if err != nil {
					return err
				}
				sort.Slice(doctors, func(i, j int) bool {
					if doctors[i].SpecialtyName != doctors[j].SpecialtyName {
						return doctors[i].SpecialtyName < doctors[j].SpecialtyName
					}
					return doctors[i].ID < doctors[j].ID
				})

				tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tDOCTOR\tSPECIALTY")
				for _, d := range doctors {
					if specialty != "" && !strings.EqualFold(d.SpecialtyName, specialty) {
						continue
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\n", d.ID, d.FullName, d.SpecialtyName)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&specialty, "specialty", "", "only list this specialty")
	return cmd
}

func slotsCmd() *cobra.Command {
	var (
		doctorID int64
		date     string
	)
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List available times for a doctor on a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			if doctorID == 0 || date == "" {
				return errors.New("--doctor and --date are required")
			}
			if _, err := time.Parse(booking.DateLayout, date); err != nil {
				return booking.ErrInvalidDate
			}
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				if err := p.requireRoute(auth.BookingPath); err != nil {
					return err
				}
				times, err := p.client.AvailableTimes(ctx, doctorID, date)
				if err != nil {
					return err
				}
				if len(times) == 0 {
					p.notifier.Info("No availability", fmt.Sprintf("No free times on %s.", date))
					return nil
				}
				fmt.Fprintln(p.out, strings.Join(times, " "))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&doctorID, "doctor", 0, "doctor id")
	cmd.Flags().StringVar(&date, "date", "", "date (YYYY-MM-DD)")
	return cmd
}

// bookingFlags are the selections a booking or reschedule command feeds the
// workflow with.
type bookingFlags struct {
	specialty string
	doctorID  int64
	date      string
	time      string
	reason    string
}

func (f *bookingFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.specialty, "specialty", "", "specialty name")
	fl.Int64Var(&f.doctorID, "doctor", 0, "doctor id")
	fl.StringVar(&f.date, "date", "", "date (YYYY-MM-DD)")
	fl.StringVar(&f.time, "time", "", "time (HH:MM)")
	fl.StringVar(&f.reason, "reason", "", "reason for the visit")
}

// drive walks the workflow through its steps. Selections left empty keep
// whatever the workflow already holds, which in reschedule mode is the
// current appointment.
func (f *bookingFlags) drive(ctx context.Context, w *booking.Workflow) (*booking.Appointment, error) {
	if err := w.Start(ctx); err != nil {
		return nil, err
	}

	if f.specialty != "" {
		if err := w.SelectSpecialty(f.specialty); err != nil {
			return nil, err
		}
	}
	if _, err := w.Next(); err != nil {
		return nil, err
	}

	draft := w.Draft()
	if f.doctorID != 0 && f.doctorID != draft.DoctorID {
		if err := w.SelectDoctor(ctx, f.doctorID); err != nil {
			return nil, err
		}
	}
	if f.date != "" && f.date != w.Draft().Date {
		if err := w.SelectDate(ctx, f.date); err != nil {
			return nil, err
		}
	}
	if f.time != "" {
		if err := w.SelectTime(f.time); err != nil {
			return nil, err
		}
	}
	if _, err := w.Next(); err != nil {
		return nil, err
	}

	if f.reason != "" {
		if err := w.SetReason(f.reason); err != nil {
			return nil, err
		}
	}
	return w.Submit(ctx)
}

func bookCmd() *cobra.Command {
	var flags bookingFlags
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book a new appointment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.specialty == "" || flags.doctorID == 0 || flags.date == "" || flags.time == "" {
				return errors.New("--specialty, --doctor, --date and --time are required")
			}
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				if err := p.requireRoute(auth.BookingPath); err != nil {
					return err
				}
				w := booking.NewWorkflow(p.client, p.notifier, p.logger)
				appt, err := flags.drive(ctx, w)
				if err != nil {
					return err
				}
				printAppointment(p.out, *appt)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func rescheduleCmd() *cobra.Command {
	var flags bookingFlags
	cmd := &cobra.Command{
		Use:   "reschedule <appointment-id>",
		Short: "Move an existing appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				if err := p.requireRoute(strings.Replace(auth.ReschedulePath, ":id", args[0], 1)); err != nil {
					return err
				}
				w := booking.NewRescheduleWorkflow(p.client, p.notifier, p.logger, id)
				appt, err := flags.drive(ctx, w)
				if err != nil {
					return err
				}
				printAppointment(p.out, *appt)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <appointment-id>",
		Short: "Cancel an appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				if err := p.requireRoute(auth.PatientHome); err != nil {
					return err
				}
				_, err := booking.NewCanceller(p.client, p.notifier, p.logger).Cancel(ctx, id)
				return err
			})
		},
	}
}

func appointmentsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "appointments",
		Short: "List your appointments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				if err := p.requireRoute(auth.PatientHome); err != nil {
					return err
				}
				appts, err := p.client.Appointments(ctx)
				if err != nil {
					return err
				}
				if status != "" {
					appts = booking.FilterByStatus(appts, booking.NormalizeStatus(status))
				}
				for _, a := range appts {
					printAppointment(p.out, a)
				}

				counts := booking.CountByStatus(appts)
				fmt.Fprintf(p.out, "pending %d, confirmed %d, completed %d, cancelled %d\n",
					counts[booking.StatusPending], counts[booking.StatusConfirmed],
					counts[booking.StatusCompleted], counts[booking.StatusCancelled])
				if next, ok := booking.NextUpcoming(appts, time.Now()); ok {
					fmt.Fprintf(p.out, "next: #%d on %s at %s\n", next.ID, next.Date(), next.Time())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show this status")
	return cmd
}

func profileCmd() *cobra.Command {
	var (
		nombre, apellido, email string
		telefono, direccion     string
		seguro                  string
	)
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or update your profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd apiclient.ProfileUpdate
			changed := false
			set := func(flag string, value *string, dst **string) {
				if cmd.Flags().Changed(flag) {
					v := *value
					*dst = &v
					changed = true
				}
			}
			set("nombre", &nombre, &upd.Nombre)
			set("apellido", &apellido, &upd.Apellido)
			set("email", &email, &upd.Email)
			set("telefono", &telefono, &upd.Telefono)
			set("direccion", &direccion, &upd.Direccion)
			set("seguro", &seguro, &upd.SeguroMedico)

			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				if err := p.requireRoute("/paciente/perfil"); err != nil {
					return err
				}
				if changed {
					msg, err := p.client.UpdateProfile(ctx, upd)
					if err != nil {
						p.notifier.Error("Could not update the profile", booking.UserMessage(err, "Try again."))
						return err
					}
					p.notifier.Success("Profile updated", msg)
				}

				prof, err := p.client.Profile(ctx)
				if err != nil {
					return err
				}
				if changed {
					if err := p.store.Update(ctx, func(s *session.Session) {
						s.DisplayName = prof.FullName()
						s.Email = prof.Email
					}); err != nil {
						return err
					}
				}

				fmt.Fprintf(p.out, "name:      %s\nemail:     %s\nphone:     %s\naddress:   %s\ninsurer:   %s\n",
					prof.FullName(), prof.Email, deref(prof.Telefono), deref(prof.Direccion), prof.SeguroMedico)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&nombre, "nombre", "", "first name")
	f.StringVar(&apellido, "apellido", "", "last name")
	f.StringVar(&email, "email", "", "email")
	f.StringVar(&telefono, "telefono", "", "phone")
	f.StringVar(&direccion, "direccion", "", "address")
	f.StringVar(&seguro, "seguro", "", "medical insurer")
	return cmd
}

func prescriptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prescriptions",
		Short: "List your prescriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				if err := p.requireRoute("/paciente/historial"); err != nil {
					return err
				}
				rx, err := p.client.Prescriptions(ctx)
				if err != nil {
					return err
				}
				for _, r := range rx {
					fmt.Fprintf(p.out, "#%d  %s\n", r.ID, r.FechaEmision)
					for _, d := range r.Detalles {
						fmt.Fprintf(p.out, "    %s  %s\n", d.NombreMedicamento, d.Dosis)
					}
				}
				return nil
			})
		},
	}
}

func prescriptionPDFCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "prescription-pdf <prescription-id>",
		Short: "Download a prescription as PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = fmt.Sprintf("receta-%d.pdf", id)
			}
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				if err := p.requireRoute("/paciente/historial"); err != nil {
					return err
				}
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				n, err := p.client.PrescriptionPDF(ctx, id, f)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					_ = os.Remove(output)
					p.notifier.Error("Could not download the prescription", booking.UserMessage(err, "Try again."))
					return err
				}
				p.notifier.Success("Prescription downloaded", fmt.Sprintf("%s (%d bytes)", output, n))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file")
	return cmd
}

func navigateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "navigate <path>",
		Short: "Resolve a portal path through the route guards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPortal(cmd, func(ctx context.Context, p *portal) error {
				res := p.navigator.Navigate(args[0])
				fmt.Fprintf(p.out, "%s -> %s (%s)\n", res.Requested, res.Path, res.Decision)
				return nil
			})
		},
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
